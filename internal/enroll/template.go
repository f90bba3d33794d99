package enroll

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"fingerauth/internal/imageio"
	"fingerauth/internal/scan"
)

// ErrCorruptTemplate reports an envelope that cannot be decoded.
var ErrCorruptTemplate = errors.New("corrupt template")

const envelopeVersion = 1

// Sample is one validated capture.
type Sample struct {
	Grid      *scan.Grid
	Keypoints int
}

// Template is the stored reference for one finger.
type Template struct {
	ID        string
	Subject   string
	Samples   []Sample
	Inliers   int
	CreatedAt time.Time
}

// Primary returns the first sample's grid, used as the verification reference.
func (t *Template) Primary() *scan.Grid {
	if t == nil || len(t.Samples) == 0 {
		return nil
	}
	return t.Samples[0].Grid
}

type envelope struct {
	Version   int              `cbor:"v"`
	ID        string           `cbor:"id"`
	Subject   string           `cbor:"subject"`
	Inliers   int              `cbor:"inliers"`
	CreatedAt int64            `cbor:"created"`
	Samples   []sampleEnvelope `cbor:"samples"`
}

type sampleEnvelope struct {
	PGM       []byte `cbor:"pgm"`
	Keypoints int    `cbor:"kp"`
}

// Marshal encodes t as CBOR with each sample stored as a lossless PGM.
func Marshal(t *Template) ([]byte, error) {
	env := envelope{
		Version:   envelopeVersion,
		ID:        t.ID,
		Subject:   t.Subject,
		Inliers:   t.Inliers,
		CreatedAt: t.CreatedAt.UnixNano(),
	}
	for _, s := range t.Samples {
		var buf bytes.Buffer
		if err := imageio.EncodePGM(&buf, s.Grid); err != nil {
			return nil, err
		}
		env.Samples = append(env.Samples, sampleEnvelope{PGM: buf.Bytes(), Keypoints: s.Keypoints})
	}
	return cbor.Marshal(env)
}

// Unmarshal decodes a template written by Marshal.
func Unmarshal(data []byte) (*Template, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTemplate, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptTemplate, env.Version)
	}
	if len(env.Samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrCorruptTemplate)
	}
	t := &Template{
		ID:        env.ID,
		Subject:   env.Subject,
		Inliers:   env.Inliers,
		CreatedAt: time.Unix(0, env.CreatedAt).UTC(),
	}
	for i, s := range env.Samples {
		g, err := imageio.DecodePGM(bytes.NewReader(s.PGM))
		if err != nil {
			return nil, fmt.Errorf("%w: sample %d: %v", ErrCorruptTemplate, i+1, err)
		}
		t.Samples = append(t.Samples, Sample{Grid: g, Keypoints: s.Keypoints})
	}
	return t, nil
}
