// Package features detects oriented corner keypoints in fingerprint images
// and computes 256-bit binary descriptors for them.
package features

import (
	"errors"
	"math/bits"
)

var (
	// ErrNoFeatures reports a feature set without any keypoints.
	ErrNoFeatures = errors.New("no features detected")
	// ErrInvalidGrid reports a grid whose dimensions and pixels disagree.
	ErrInvalidGrid = errors.New("invalid intensity grid")
)

// DescriptorBits is the length of a descriptor.
const DescriptorBits = 256

// Descriptor is a packed binary descriptor.
type Descriptor [DescriptorBits / 64]uint64

// Distance returns the Hamming distance between two descriptors.
func (d Descriptor) Distance(o Descriptor) int {
	n := 0
	for i := range d {
		n += bits.OnesCount64(d[i] ^ o[i])
	}
	return n
}

// Keypoint is a detected corner in level-0 pixel coordinates.
type Keypoint struct {
	X, Y     float64
	Angle    float64 // degrees in [0, 360)
	Response float64
	Octave   int
	Size     float64
}

// FeatureSet pairs keypoints with their descriptors by index.
type FeatureSet struct {
	Width       int
	Height      int
	Keypoints   []Keypoint
	Descriptors []Descriptor
}

// Len returns the number of features.
func (fs *FeatureSet) Len() int {
	if fs == nil {
		return 0
	}
	return len(fs.Keypoints)
}

// Empty reports whether no feature was detected.
func (fs *FeatureSet) Empty() bool { return fs.Len() == 0 }

// Err returns ErrNoFeatures for an empty set and nil otherwise.
func (fs *FeatureSet) Err() error {
	if fs.Empty() {
		return ErrNoFeatures
	}
	return nil
}
