package r30x

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"fingerauth/internal/device"
	"fingerauth/internal/scan"
)

const (
	DefaultBaudRate    = 57600
	DefaultReadTimeout = 2 * time.Second
	// MaxModels is the template capacity cleared by DeleteModels.
	MaxModels = 127
)

var (
	ErrPassword    = errors.New("sensor rejected password")
	errReadTimeout = fmt.Errorf("%w: read timed out", device.ErrUnreachable)
)

// CodeError is a non-OK confirmation code returned by the sensor.
type CodeError struct {
	Op   string
	Code byte
}

var codeNames = map[byte]string{
	codePacketRecvErr: "packet receive error",
	codeNoFinger:      "no finger",
	codeImageFail:     "imaging failed",
	codeImageMess:     "image too messy",
	codeFeatureFail:   "feature extraction failed",
	codeUploadFail:    "upload failed",
	codeDeleteFail:    "delete failed",
	codeClearFail:     "clear failed",
	codePassFail:      "wrong password",
	codeInvalidImage:  "invalid image",
}

func (e *CodeError) Error() string {
	if name, ok := codeNames[e.Code]; ok {
		return fmt.Sprintf("r30x %s: %s (%#02x)", e.Op, name, e.Code)
	}
	return fmt.Sprintf("r30x %s: confirmation code %#02x", e.Op, e.Code)
}

// Options configure a Sensor.
type Options struct {
	Address  uint32
	Password uint32
	Log      *slog.Logger
}

// Sensor speaks the packet protocol over any byte stream.
type Sensor struct {
	mu     sync.Mutex
	port   io.ReadWriteCloser
	r      io.Reader
	addr   uint32
	pass   uint32
	log    *slog.Logger
	closed bool
}

// timeoutReader turns the (0, nil) reads of a serial port with a read
// timeout into errors so io.ReadFull cannot spin.
type timeoutReader struct{ r io.Reader }

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil {
		return 0, errReadTimeout
	}
	return n, err
}

// New wraps an open port.
func New(port io.ReadWriteCloser, opts Options) *Sensor {
	if opts.Address == 0 {
		opts.Address = DefaultAddress
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Sensor{port: port, r: timeoutReader{port}, addr: opts.Address, pass: opts.Password, log: opts.Log}
}

func (s *Sensor) command(ctx context.Context, op string, payload ...byte) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, device.ErrClosed
	}
	if err := WritePacket(s.port, Packet{Address: s.addr, Type: CommandPacket, Payload: payload}); err != nil {
		return 0, fmt.Errorf("%w: %v", device.ErrUnreachable, err)
	}
	ack, err := ReadPacket(s.r)
	if err != nil {
		return 0, err
	}
	if ack.Type != AckPacket || len(ack.Payload) == 0 {
		return 0, fmt.Errorf("%w: %s: unexpected packet type %#02x", device.ErrProtocol, op, ack.Type)
	}
	s.log.Debug("r30x command", "op", op, "code", ack.Payload[0])
	return ack.Payload[0], nil
}

// VerifyPassword performs the connection handshake.
func (s *Sensor) VerifyPassword(ctx context.Context) error {
	pw := make([]byte, 4)
	binary.BigEndian.PutUint32(pw, s.pass)
	code, err := s.command(ctx, "verify_password", append([]byte{cmdVerifyPassword}, pw...)...)
	if err != nil {
		return err
	}
	switch code {
	case codeOK:
		return nil
	case codePassFail:
		return ErrPassword
	default:
		return &CodeError{Op: "verify_password", Code: code}
	}
}

// GetImage implements device.Device.
func (s *Sensor) GetImage(ctx context.Context) (device.Status, error) {
	code, err := s.command(ctx, "get_image", cmdGenImg)
	if err != nil {
		return device.StatusOther, err
	}
	switch code {
	case codeOK:
		return device.StatusOK, nil
	case codeNoFinger:
		return device.StatusNoFinger, nil
	case codeImageFail:
		return device.StatusImageFail, nil
	default:
		return device.StatusOther, nil
	}
}

// UploadImage implements device.Device. The image arrives as a run of
// data packets closed by an end packet.
func (s *Sensor) UploadImage(ctx context.Context) (scan.RawScan, error) {
	code, err := s.command(ctx, "upload_image", cmdUpImage)
	if err != nil {
		return nil, err
	}
	if code != codeOK {
		return nil, &CodeError{Op: "upload_image", Code: code}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	raw := make(scan.RawScan, 0, scan.RawSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := ReadPacket(s.r)
		if err != nil {
			return nil, err
		}
		switch p.Type {
		case DataPacket, EndDataPacket:
			raw = append(raw, p.Payload...)
		default:
			return nil, fmt.Errorf("%w: unexpected packet type %#02x during upload", device.ErrProtocol, p.Type)
		}
		if len(raw) > scan.RawSize {
			return nil, fmt.Errorf("%w: image upload exceeds %d bytes", device.ErrProtocol, scan.RawSize)
		}
		if p.Type == EndDataPacket {
			return raw, nil
		}
	}
}

// Empty clears every stored template.
func (s *Sensor) Empty(ctx context.Context) error {
	code, err := s.command(ctx, "empty", cmdEmpty)
	if err != nil {
		return err
	}
	if code != codeOK {
		return &CodeError{Op: "empty", Code: code}
	}
	return nil
}

// DeleteModels removes count templates starting at location start.
func (s *Sensor) DeleteModels(ctx context.Context, start, count uint16) error {
	code, err := s.command(ctx, "delete", cmdDeleteChar, byte(start>>8), byte(start), byte(count>>8), byte(count))
	if err != nil {
		return err
	}
	if code != codeOK {
		return &CodeError{Op: "delete", Code: code}
	}
	return nil
}

// Erase implements device.Eraser. Sensors that do not support Empty are
// cleared one location at a time.
func (s *Sensor) Erase(ctx context.Context) error {
	err := s.Empty(ctx)
	var ce *CodeError
	if err == nil || !errors.As(err, &ce) {
		return err
	}
	for loc := uint16(1); loc <= MaxModels; loc++ {
		if err := s.DeleteModels(ctx, loc, 1); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the port.
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

// Opener opens sensors on serial ports.
type Opener struct {
	BaudRate    int
	Address     uint32
	Password    uint32
	ReadTimeout time.Duration
	Log         *slog.Logger
}

// Open implements device.Opener and performs the password handshake.
func (o Opener) Open(ctx context.Context, port string) (device.Device, error) {
	baud := o.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, &device.Error{Op: "open", Port: port, Err: fmt.Errorf("%w: %v", device.ErrUnreachable, err)}
	}
	timeout := o.ReadTimeout
	if timeout == 0 {
		timeout = DefaultReadTimeout
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		p.Close()
		return nil, &device.Error{Op: "open", Port: port, Err: err}
	}
	s := New(p, Options{Address: o.Address, Password: o.Password, Log: o.Log})
	if err := s.VerifyPassword(ctx); err != nil {
		s.Close()
		return nil, &device.Error{Op: "handshake", Port: port, Err: err}
	}
	return s, nil
}
