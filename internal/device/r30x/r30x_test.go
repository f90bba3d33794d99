package r30x

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"fingerauth/internal/device"
	"fingerauth/internal/scan"
)

// fakePort replays queued sensor output and records what the host sent.
// An exhausted read buffer behaves like a serial read timeout.
type fakePort struct {
	in     bytes.Buffer
	out    bytes.Buffer
	closed bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	if f.in.Len() == 0 {
		return 0, nil
	}
	return f.in.Read(p)
}

func (f *fakePort) Write(p []byte) (int, error) { return f.out.Write(p) }
func (f *fakePort) Close() error                { f.closed = true; return nil }

func (f *fakePort) queue(t *testing.T, typ byte, payload ...byte) {
	t.Helper()
	if err := WritePacket(&f.in, Packet{Address: DefaultAddress, Type: typ, Payload: payload}); err != nil {
		t.Fatalf("queue: %v", err)
	}
}

func newTestSensor(port *fakePort) *Sensor {
	return New(port, Options{Log: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func TestWritePacketMatchesWireFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePacket(&buf, Packet{Address: DefaultAddress, Type: CommandPacket, Payload: []byte{cmdGenImg}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := []byte{0xEF, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0x01, 0x00, 0x03, 0x01, 0x00, 0x05}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", buf.Bytes(), want)
	}
}

func TestReadPacketValidatesFrame(t *testing.T) {
	var buf bytes.Buffer
	_ = WritePacket(&buf, Packet{Address: 0x01020304, Type: AckPacket, Payload: []byte{0x00, 0x42}})
	frame := buf.Bytes()

	p, err := ReadPacket(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if p.Address != 0x01020304 || p.Type != AckPacket || !bytes.Equal(p.Payload, []byte{0x00, 0x42}) {
		t.Fatalf("unexpected packet %+v", p)
	}

	corrupt := append([]byte(nil), frame...)
	corrupt[len(corrupt)-1] ^= 0xFF
	if _, err := ReadPacket(bytes.NewReader(corrupt)); !errors.Is(err, ErrChecksum) || !errors.Is(err, device.ErrProtocol) {
		t.Fatalf("expected checksum protocol error, got %v", err)
	}

	bad := append([]byte(nil), frame...)
	bad[0] = 0x00
	if _, err := ReadPacket(bytes.NewReader(bad)); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("expected ErrBadHeader, got %v", err)
	}
}

func TestGetImageMapsConfirmationCodes(t *testing.T) {
	cases := map[byte]device.Status{
		codeOK:            device.StatusOK,
		codeNoFinger:      device.StatusNoFinger,
		codeImageFail:     device.StatusImageFail,
		codePacketRecvErr: device.StatusOther,
	}
	for code, want := range cases {
		port := &fakePort{}
		port.queue(t, AckPacket, code)
		got, err := newTestSensor(port).GetImage(context.Background())
		if err != nil {
			t.Fatalf("code %#x: %v", code, err)
		}
		if got != want {
			t.Fatalf("code %#x: got %s want %s", code, got, want)
		}
	}
}

func TestGetImageTimesOut(t *testing.T) {
	_, err := newTestSensor(&fakePort{}).GetImage(context.Background())
	if !errors.Is(err, device.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable on silent port, got %v", err)
	}
}

func TestUploadImageAssemblesDataPackets(t *testing.T) {
	port := &fakePort{}
	port.queue(t, AckPacket, codeOK)
	want := make([]byte, scan.RawSize)
	for i := range want {
		want[i] = byte(i)
	}
	const chunk = 128
	for off := 0; off < len(want); off += chunk {
		typ := byte(DataPacket)
		if off+chunk >= len(want) {
			typ = EndDataPacket
		}
		port.queue(t, typ, want[off:off+chunk]...)
	}

	raw, err := newTestSensor(port).UploadImage(context.Background())
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !bytes.Equal(raw, want) {
		t.Fatalf("uploaded buffer differs (len %d)", len(raw))
	}
	if _, err := scan.Decode(raw); err != nil {
		t.Fatalf("uploaded buffer does not decode: %v", err)
	}
}

func TestUploadImageRejectsOversizedImage(t *testing.T) {
	port := &fakePort{}
	port.queue(t, AckPacket, codeOK)
	chunk := make([]byte, 128)
	for n := 0; n <= scan.RawSize/len(chunk); n++ {
		port.queue(t, DataPacket, chunk...)
	}
	port.queue(t, EndDataPacket, chunk...)

	_, err := newTestSensor(port).UploadImage(context.Background())
	if !errors.Is(err, device.ErrProtocol) {
		t.Fatalf("expected ErrProtocol for oversized upload, got %v", err)
	}
	if port.in.Len() == 0 {
		t.Fatalf("upload kept reading past the image size")
	}
}

func TestUploadImageReportsCodeError(t *testing.T) {
	port := &fakePort{}
	port.queue(t, AckPacket, codeUploadFail)
	_, err := newTestSensor(port).UploadImage(context.Background())
	var ce *CodeError
	if !errors.As(err, &ce) || ce.Code != codeUploadFail {
		t.Fatalf("expected upload CodeError, got %v", err)
	}
}

func TestVerifyPassword(t *testing.T) {
	port := &fakePort{}
	port.queue(t, AckPacket, codeOK)
	s := New(port, Options{Password: 0x01020304})
	if err := s.VerifyPassword(context.Background()); err != nil {
		t.Fatalf("verify: %v", err)
	}
	sent, err := ReadPacket(bytes.NewReader(port.out.Bytes()))
	if err != nil {
		t.Fatalf("parse sent packet: %v", err)
	}
	if !bytes.Equal(sent.Payload, []byte{cmdVerifyPassword, 1, 2, 3, 4}) {
		t.Fatalf("unexpected handshake payload % x", sent.Payload)
	}

	port = &fakePort{}
	port.queue(t, AckPacket, codePassFail)
	if err := New(port, Options{}).VerifyPassword(context.Background()); !errors.Is(err, ErrPassword) {
		t.Fatalf("expected ErrPassword, got %v", err)
	}
}

func TestEraseFallsBackToDelete(t *testing.T) {
	port := &fakePort{}
	port.queue(t, AckPacket, codeClearFail)
	for i := 0; i < MaxModels; i++ {
		port.queue(t, AckPacket, codeOK)
	}
	if err := newTestSensor(port).Erase(context.Background()); err != nil {
		t.Fatalf("erase: %v", err)
	}
	r := bytes.NewReader(port.out.Bytes())
	count := 0
	for {
		p, err := ReadPacket(r)
		if err != nil {
			break
		}
		count++
		if count == 1 && p.Payload[0] != cmdEmpty {
			t.Fatalf("first command should be empty, got %#x", p.Payload[0])
		}
	}
	if count != MaxModels+1 {
		t.Fatalf("expected %d commands, got %d", MaxModels+1, count)
	}
}

func TestClosedSensorRejectsCommands(t *testing.T) {
	port := &fakePort{}
	s := newTestSensor(port)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !port.closed {
		t.Fatalf("port not closed")
	}
	if _, err := s.GetImage(context.Background()); !errors.Is(err, device.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
