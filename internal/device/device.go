// Package device abstracts fingerprint sensors behind a small polling
// interface and hands out exclusive handles to them.
package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"fingerauth/internal/scan"
)

// Status is the outcome of asking the sensor to capture an image.
type Status int

const (
	StatusOK Status = iota
	StatusNoFinger
	StatusImageFail
	StatusOther
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoFinger:
		return "no_finger"
	case StatusImageFail:
		return "image_fail"
	default:
		return "other"
	}
}

var (
	ErrBusy        = errors.New("device busy")
	ErrUnreachable = errors.New("device unreachable")
	ErrProtocol    = errors.New("device protocol error")
	ErrClosed      = errors.New("device closed")
	ErrUnsupported = errors.New("operation not supported by device")
	ErrUnknown     = errors.New("unknown device driver")
)

// Error records the failing operation and port.
type Error struct {
	Op   string
	Port string
	Err  error
}

func (e *Error) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("device %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("device %s %s: %v", e.Op, e.Port, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Device is a connected sensor.
type Device interface {
	// GetImage asks the sensor to capture into its image buffer. Transport
	// failures are returned as errors; sensor outcomes as a Status.
	GetImage(ctx context.Context) (Status, error)
	// UploadImage reads the packed image buffer.
	UploadImage(ctx context.Context) (scan.RawScan, error)
	Close() error
}

// Eraser is implemented by devices that can clear on-board template memory.
type Eraser interface {
	Erase(ctx context.Context) error
}

// Opener connects to a device on a port.
type Opener interface {
	Open(ctx context.Context, port string) (Device, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, port string) (Device, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, port string) (Device, error) { return f(ctx, port) }

// Registry maps driver names to openers and keeps at most one open handle
// per port.
type Registry struct {
	mu      sync.Mutex
	openers map[string]Opener
	inUse   map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{openers: map[string]Opener{}, inUse: map[string]bool{}}
}

// Register installs an opener under a driver name.
func (r *Registry) Register(driver string, o Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[driver] = o
}

// Drivers lists registered driver names in order.
func (r *Registry) Drivers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.openers))
	for name := range r.openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open connects through driver. A second Open of the same port fails with
// ErrBusy until the first handle is closed.
func (r *Registry) Open(ctx context.Context, driver, port string) (Device, error) {
	r.mu.Lock()
	o, ok := r.openers[driver]
	if !ok {
		r.mu.Unlock()
		return nil, &Error{Op: "open", Port: port, Err: fmt.Errorf("%w: %s", ErrUnknown, driver)}
	}
	if r.inUse[port] {
		r.mu.Unlock()
		return nil, &Error{Op: "open", Port: port, Err: ErrBusy}
	}
	r.inUse[port] = true
	r.mu.Unlock()

	dev, err := o.Open(ctx, port)
	if err != nil {
		r.release(port)
		return nil, err
	}
	return &handle{Device: dev, release: func() { r.release(port) }}, nil
}

func (r *Registry) release(port string) {
	r.mu.Lock()
	delete(r.inUse, port)
	r.mu.Unlock()
}

type handle struct {
	Device
	once    sync.Once
	release func()
	err     error
}

func (h *handle) Close() error {
	h.once.Do(func() {
		h.err = h.Device.Close()
		h.release()
	})
	return h.err
}

func (h *handle) Erase(ctx context.Context) error {
	if e, ok := h.Device.(Eraser); ok {
		return e.Erase(ctx)
	}
	return ErrUnsupported
}
