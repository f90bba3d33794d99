// Package simulator provides a scripted in-memory sensor for tests, demos
// and headless enrollment.
package simulator

import (
	"context"
	"fmt"
	"sync"

	"fingerauth/internal/device"
	"fingerauth/internal/scan"
)

// EnrollScript is the poll sequence of a cooperative user enrolling one
// finger: place, hold, lift, place again.
var EnrollScript = []device.Status{
	device.StatusNoFinger,
	device.StatusOK,
	device.StatusOK,
	device.StatusNoFinger,
	device.StatusNoFinger,
	device.StatusOK,
}

// Sensor replays a status script. Once the script is exhausted the last
// status repeats forever. Uploads cycle through the configured scans.
type Sensor struct {
	mu     sync.Mutex
	script []device.Status
	pos    int
	scans  []scan.RawScan
	next   int
	fail   error
	polls  int
	erased bool
	closed bool
}

// New returns a sensor that reports a finger on every poll.
func New(scans ...scan.RawScan) *Sensor {
	return &Sensor{script: []device.Status{device.StatusOK}, scans: scans}
}

// WithScript replaces the poll script.
func (s *Sensor) WithScript(st ...device.Status) *Sensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(st) == 0 {
		st = []device.Status{device.StatusOK}
	}
	s.script = append([]device.Status(nil), st...)
	s.pos = 0
	return s
}

// FailWith makes every later transport operation return err.
func (s *Sensor) FailWith(err error) *Sensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
	return s
}

// Polls reports how many times GetImage was called.
func (s *Sensor) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// Erased reports whether Erase ran.
func (s *Sensor) Erased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.erased
}

func (s *Sensor) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return device.ErrClosed
	}
	return s.fail
}

// GetImage implements device.Device.
func (s *Sensor) GetImage(ctx context.Context) (device.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return device.StatusOther, err
	}
	s.polls++
	st := s.script[min(s.pos, len(s.script)-1)]
	s.pos++
	return st, nil
}

// UploadImage implements device.Device.
func (s *Sensor) UploadImage(ctx context.Context) (scan.RawScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if len(s.scans) == 0 {
		return nil, fmt.Errorf("%w: simulator has no scans loaded", device.ErrProtocol)
	}
	raw := s.scans[s.next%len(s.scans)]
	s.next++
	return append(scan.RawScan(nil), raw...), nil
}

// Erase implements device.Eraser.
func (s *Sensor) Erase(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.erased = true
	return nil
}

// Close implements device.Device.
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Opener creates a fresh simulated sensor per Open.
type Opener struct {
	Scans  []scan.RawScan
	Script []device.Status
}

// Open implements device.Opener.
func (o Opener) Open(ctx context.Context, port string) (device.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := New(o.Scans...)
	if len(o.Script) > 0 {
		s.WithScript(o.Script...)
	}
	return s, nil
}
