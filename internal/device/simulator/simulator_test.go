package simulator

import (
	"context"
	"errors"
	"testing"

	"fingerauth/internal/device"
	"fingerauth/internal/scan"
	"fingerauth/internal/scan/scantest"
)

func TestScriptRepeatsLastStatus(t *testing.T) {
	s := New().WithScript(device.StatusNoFinger, device.StatusOK)
	ctx := context.Background()
	want := []device.Status{device.StatusNoFinger, device.StatusOK, device.StatusOK, device.StatusOK}
	for i, w := range want {
		got, err := s.GetImage(ctx)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if got != w {
			t.Fatalf("poll %d: got %s want %s", i, got, w)
		}
	}
	if s.Polls() != len(want) {
		t.Fatalf("expected %d polls, got %d", len(want), s.Polls())
	}
}

func TestUploadCyclesScans(t *testing.T) {
	a := scantest.Raw(scantest.Texture(1))
	b := scantest.Raw(scantest.Texture(2))
	s := New(a, b)
	ctx := context.Background()
	for i, want := range []scan.RawScan{a, b, a} {
		got, err := s.UploadImage(ctx)
		if err != nil {
			t.Fatalf("upload %d: %v", i, err)
		}
		if string(got) != string(want) {
			t.Fatalf("upload %d returned the wrong scan", i)
		}
	}
	if _, err := New().UploadImage(ctx); !errors.Is(err, device.ErrProtocol) {
		t.Fatalf("expected ErrProtocol without scans, got %v", err)
	}
}

func TestFailuresAndClose(t *testing.T) {
	boom := errors.New("cable pulled")
	s := New().FailWith(boom)
	if _, err := s.GetImage(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	s = New()
	_ = s.Close()
	if _, err := s.GetImage(context.Background()); !errors.Is(err, device.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Opener{}).Open(ctx, "sim"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEraseAndOpener(t *testing.T) {
	dev, err := Opener{Script: []device.Status{device.StatusImageFail}}.Open(context.Background(), "sim")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st, _ := dev.GetImage(context.Background())
	if st != device.StatusImageFail {
		t.Fatalf("opener script not applied, got %s", st)
	}
	sim := dev.(*Sensor)
	if err := sim.Erase(context.Background()); err != nil || !sim.Erased() {
		t.Fatalf("erase failed: %v", err)
	}
}
