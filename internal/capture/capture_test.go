package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"fingerauth/internal/device"
	"fingerauth/internal/device/simulator"
	"fingerauth/internal/scan"
	"fingerauth/internal/scan/scantest"
)

var fast = Config{PollInterval: time.Millisecond}

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCaptureRetriesNoFinger(t *testing.T) {
	g := scantest.Texture(4)
	sim := simulator.New(scantest.Raw(g)).WithScript(device.StatusNoFinger, device.StatusNoFinger, device.StatusOK)
	sess, err := NewSensor(sim).NewSession(fast, quietLog())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer sess.Close()

	att, err := sess.Capture(context.Background())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if att.State != StateCaptured || !att.Grid.Equal(g) {
		t.Fatalf("unexpected attempt %+v", att.State)
	}
	if sim.Polls() != 3 {
		t.Fatalf("expected 3 polls, got %d", sim.Polls())
	}
}

func TestCaptureTerminalFailures(t *testing.T) {
	cases := []struct {
		status device.Status
		state  State
		err    error
	}{
		{device.StatusImageFail, StateImageFail, ErrImageFail},
		{device.StatusOther, StateOtherError, ErrOtherError},
	}
	for _, tc := range cases {
		sim := simulator.New().WithScript(tc.status)
		sess, _ := NewSensor(sim).NewSession(fast, quietLog())
		att, err := sess.Capture(context.Background())
		var ce *Error
		if !errors.As(err, &ce) || ce.State != tc.state || !errors.Is(err, tc.err) {
			t.Fatalf("%s: unexpected error %v", tc.status, err)
		}
		if att.Grid != nil || !att.State.Terminal() {
			t.Fatalf("%s: failed attempt must be terminal without grid", tc.status)
		}
		sess.Close()
	}
}

func TestCaptureRejectsMalformedScan(t *testing.T) {
	sim := simulator.New(make(scan.RawScan, 100))
	sess, _ := NewSensor(sim).NewSession(fast, quietLog())
	defer sess.Close()
	if _, err := sess.Capture(context.Background()); !errors.Is(err, scan.ErrMalformedScan) {
		t.Fatalf("expected ErrMalformedScan, got %v", err)
	}
}

func TestCaptureSurfacesDeviceErrors(t *testing.T) {
	boom := &device.Error{Op: "get_image", Err: device.ErrUnreachable}
	sim := simulator.New().FailWith(boom)
	sess, _ := NewSensor(sim).NewSession(fast, quietLog())
	defer sess.Close()
	if _, err := sess.Capture(context.Background()); !errors.Is(err, device.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if sess.State() != StateOtherError {
		t.Fatalf("expected other_error state, got %s", sess.State())
	}
}

func TestCaptureCancellable(t *testing.T) {
	sim := simulator.New().WithScript(device.StatusNoFinger)
	sess, _ := NewSensor(sim).NewSession(fast, quietLog())
	defer sess.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sess.Capture(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestWaitForRemovalBlocksUntilCancelled(t *testing.T) {
	sim := simulator.New().WithScript(device.StatusOK)
	sess, _ := NewSensor(sim).NewSession(fast, quietLog())
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.WaitForRemoval(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("removal wait returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("removal wait ignored cancellation")
	}
}

func TestWaitForRemovalReturnsWhenLifted(t *testing.T) {
	sim := simulator.New().WithScript(device.StatusOK, device.StatusImageFail, device.StatusNoFinger)
	sess, _ := NewSensor(sim).NewSession(fast, quietLog())
	defer sess.Close()
	if err := sess.WaitForRemoval(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if sess.State() != StateNoFinger {
		t.Fatalf("expected no_finger, got %s", sess.State())
	}
}

func TestSensorAllowsOneSession(t *testing.T) {
	sensor := NewSensor(simulator.New())
	first, err := sensor.NewSession(fast, quietLog())
	if err != nil {
		t.Fatalf("first session: %v", err)
	}
	if _, err := sensor.NewSession(fast, quietLog()); !errors.Is(err, device.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	first.Close()
	second, err := sensor.NewSession(Config{}, nil)
	if err != nil {
		t.Fatalf("session after close: %v", err)
	}
	second.Close()
}
