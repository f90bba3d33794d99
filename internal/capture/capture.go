// Package capture runs the per-attempt polling state machine against a
// fingerprint sensor.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fingerauth/internal/device"
	"fingerauth/internal/scan"
)

// State is the capture state after a poll.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateCaptured
	StateNoFinger
	StateImageFail
	StateOtherError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "waiting"
	case StateCaptured:
		return "captured"
	case StateNoFinger:
		return "no_finger"
	case StateImageFail:
		return "image_fail"
	case StateOtherError:
		return "other_error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state ends the attempt.
func (s State) Terminal() bool {
	return s == StateCaptured || s == StateImageFail || s == StateOtherError
}

var (
	ErrNoFinger   = errors.New("no finger on sensor")
	ErrImageFail  = errors.New("sensor failed to image finger")
	ErrOtherError = errors.New("sensor reported an error")
)

// Error is a failed capture attempt.
type Error struct {
	State State
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("capture %s: %v", e.State, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Attempt is the outcome of one capture. Grid is set only when captured.
type Attempt struct {
	State State
	Grid  *scan.Grid
}

// Config tunes polling.
type Config struct {
	PollInterval time.Duration `json:"poll_interval" toml:"poll_interval" default:"100ms"`
}

const defaultPollInterval = 100 * time.Millisecond

// Sensor owns a device and allows one session at a time.
type Sensor struct {
	dev  device.Device
	busy atomic.Bool
}

// NewSensor wraps dev.
func NewSensor(dev device.Device) *Sensor {
	return &Sensor{dev: dev}
}

// Device returns the wrapped device.
func (s *Sensor) Device() device.Device { return s.dev }

// NewSession claims the sensor. A second concurrent claim fails with
// device.ErrBusy.
func (s *Sensor) NewSession(cfg Config, log *slog.Logger) (*Session, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, &device.Error{Op: "claim", Err: device.ErrBusy}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{sensor: s, cfg: cfg, log: log}, nil
}

// Session polls one sensor. It is not safe for concurrent use.
type Session struct {
	sensor    *Sensor
	cfg       Config
	log       *slog.Logger
	state     State
	closeOnce sync.Once
}

// State returns the state reached by the last poll.
func (s *Session) State() State { return s.state }

// Close releases the sensor for the next session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { s.sensor.busy.Store(false) })
	return nil
}

// Poll queries the device once. Transport failures are returned as errors
// with StateOtherError.
func (s *Session) Poll(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return s.state, err
	}
	s.state = StatePolling
	st, err := s.sensor.dev.GetImage(ctx)
	if err != nil {
		s.state = StateOtherError
		return s.state, err
	}
	switch st {
	case device.StatusOK:
		s.state = StateCaptured
	case device.StatusNoFinger:
		s.state = StateNoFinger
	case device.StatusImageFail:
		s.state = StateImageFail
	default:
		s.state = StateOtherError
	}
	return s.state, nil
}

// wait sleeps one poll interval or until ctx ends.
func (s *Session) wait(ctx context.Context) error {
	t := time.NewTimer(s.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Capture polls until a finger is imaged, then reads and decodes the scan.
// NoFinger is retried; ImageFail and OtherError end the attempt with an
// *Error. A malformed upload ends the attempt with scan.ErrMalformedScan.
func (s *Session) Capture(ctx context.Context) (Attempt, error) {
	for {
		st, err := s.Poll(ctx)
		if err != nil {
			return Attempt{State: st}, err
		}
		switch st {
		case StateCaptured:
			raw, err := s.sensor.dev.UploadImage(ctx)
			if err != nil {
				return Attempt{State: StateOtherError}, err
			}
			g, err := scan.Decode(raw)
			if err != nil {
				return Attempt{State: st}, err
			}
			s.log.Debug("image captured", "bytes", len(raw))
			return Attempt{State: st, Grid: g}, nil
		case StateImageFail:
			return Attempt{State: st}, &Error{State: st, Err: ErrImageFail}
		case StateOtherError:
			return Attempt{State: st}, &Error{State: st, Err: ErrOtherError}
		}
		if err := s.wait(ctx); err != nil {
			return Attempt{State: st}, err
		}
	}
}

// WaitForRemoval blocks until the sensor reports no finger. It never gives
// up on its own; only ctx ends the wait early.
func (s *Session) WaitForRemoval(ctx context.Context) error {
	for {
		st, err := s.Poll(ctx)
		if err != nil {
			return err
		}
		if st == StateNoFinger {
			return nil
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}
