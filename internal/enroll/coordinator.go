// Package enroll turns two live captures of one finger into a template.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fingerauth/internal/capture"
	"fingerauth/internal/device"
	"fingerauth/internal/features"
	"fingerauth/internal/match"
)

// ErrEnrollmentMismatch reports two samples that do not show the same finger.
var ErrEnrollmentMismatch = errors.New("enrollment samples do not match")

// MismatchError carries the decision that rejected the pair.
type MismatchError struct {
	Decision match.Decision
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v: %s (inliers=%d candidates=%d)", ErrEnrollmentMismatch, e.Decision.Reason, e.Decision.Inliers, e.Decision.Candidates)
}

func (e *MismatchError) Unwrap() error { return ErrEnrollmentMismatch }

// Steps reported to an Observer.
const (
	StepPlaceFinger  = "place_finger"
	StepCaptured     = "captured"
	StepTemplated    = "templated"
	StepRemoveFinger = "remove_finger"
	StepPlaceAgain   = "place_again"
	StepComparing    = "comparing"
	StepEnrolled     = "enrolled"
	StepFailed       = "failed"
)

// Event is a progress notification.
type Event struct {
	Step   string    `json:"step"`
	Sample int       `json:"sample,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Time   time.Time `json:"time"`
}

// Observer receives progress events. It must not block.
type Observer func(Event)

// Coordinator runs the two-sample enrollment protocol on one sensor.
type Coordinator struct {
	sensor     *capture.Sensor
	assessor   *Assessor
	comparator *match.Comparator
	capture    capture.Config
	log        *slog.Logger
	observer   Observer
	newID      func() string
	now        func() time.Time
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithObserver(o Observer) Option              { return func(c *Coordinator) { c.observer = o } }
func WithCaptureConfig(cfg capture.Config) Option { return func(c *Coordinator) { c.capture = cfg } }
func WithLogger(l *slog.Logger) Option            { return func(c *Coordinator) { c.log = l } }
func WithIDFunc(f func() string) Option           { return func(c *Coordinator) { c.newID = f } }
func WithClock(f func() time.Time) Option         { return func(c *Coordinator) { c.now = f } }

// NewCoordinator builds a coordinator. Nil assessor or comparator take defaults.
func NewCoordinator(sensor *capture.Sensor, assessor *Assessor, comparator *match.Comparator, opts ...Option) *Coordinator {
	c := &Coordinator{
		sensor:     sensor,
		assessor:   assessor,
		comparator: comparator,
		log:        slog.Default(),
		newID:      uuid.NewString,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.comparator == nil {
		c.comparator = match.NewComparator(nil, nil, nil, c.log)
	}
	if c.assessor == nil {
		c.assessor = NewAssessor(DefaultQuality(), nil)
	}
	return c
}

func (c *Coordinator) emit(step string, sample int, detail string) {
	if c.observer == nil {
		return
	}
	c.observer(Event{Step: step, Sample: sample, Detail: detail, Time: c.now()})
}

// Enroll captures two samples separated by a finger lift and returns a
// template when both pass the quality gate and match each other. It blocks
// until that happens, a step fails, or ctx ends; no template is returned
// on any failure.
func (c *Coordinator) Enroll(ctx context.Context, subject string) (*Template, error) {
	sess, err := c.sensor.NewSession(c.capture, c.log)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	tpl, err := c.run(ctx, sess, subject)
	if err != nil {
		c.log.Warn("enrollment failed", "subject", subject, "state", sess.State(), "error", err)
		c.emit(StepFailed, 0, err.Error())
		return nil, err
	}
	c.log.Info("enrollment complete", "subject", subject, "template", tpl.ID, "inliers", tpl.Inliers)
	c.emit(StepEnrolled, 0, tpl.ID)
	return tpl, nil
}

func (c *Coordinator) run(ctx context.Context, sess *capture.Session, subject string) (*Template, error) {
	c.emit(StepPlaceFinger, 1, "")
	first, fs1, err := c.sample(ctx, sess, 1)
	if err != nil {
		return nil, err
	}

	c.emit(StepRemoveFinger, 1, "")
	if err := sess.WaitForRemoval(ctx); err != nil {
		return nil, err
	}

	c.emit(StepPlaceAgain, 2, "")
	second, fs2, err := c.sample(ctx, sess, 2)
	if err != nil {
		return nil, err
	}

	c.emit(StepComparing, 0, "")
	d := c.comparator.CompareFeatures(fs1, fs2)
	if !d.Match {
		return nil, &MismatchError{Decision: d}
	}
	return &Template{
		ID:        c.newID(),
		Subject:   subject,
		Samples:   []Sample{first, second},
		Inliers:   d.Inliers,
		CreatedAt: c.now().UTC(),
	}, nil
}

func (c *Coordinator) sample(ctx context.Context, sess *capture.Session, n int) (Sample, *features.FeatureSet, error) {
	att, err := sess.Capture(ctx)
	if err != nil {
		return Sample{}, nil, err
	}
	c.emit(StepCaptured, n, "")
	fs, err := c.assessor.Assess(att.Grid)
	if err != nil {
		return Sample{}, nil, &TemplateError{Sample: n, Err: err}
	}
	c.emit(StepTemplated, n, fmt.Sprintf("%d keypoints", fs.Len()))
	return Sample{Grid: att.Grid, Keypoints: fs.Len()}, fs, nil
}

// DeviceEnroller opens a sensor per enrollment through a registry.
type DeviceEnroller struct {
	Registry   *device.Registry
	Driver     string
	Port       string
	Assessor   *Assessor
	Comparator *match.Comparator
	Capture    capture.Config
	Log        *slog.Logger
}

// Enroll opens the configured device, runs one enrollment and closes it.
func (d *DeviceEnroller) Enroll(ctx context.Context, subject string, obs Observer) (*Template, error) {
	dev, err := d.Registry.Open(ctx, d.Driver, d.Port)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	coord := NewCoordinator(capture.NewSensor(dev), d.Assessor, d.Comparator,
		WithObserver(obs),
		WithCaptureConfig(d.Capture),
		WithLogger(log),
	)
	return coord.Enroll(ctx, subject)
}
