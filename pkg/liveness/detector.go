// Package liveness checks that the person in front of the camera follows
// head-turn instructions. The direction is derived from the horizontal
// offset of the nose relative to the midpoint between the eyes.
package liveness

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrCodeEU/facegate/pkg/recognition"
)

// Direction is the head orientation seen in a frame.
type Direction string

const (
	Left    Direction = "left"
	Right   Direction = "right"
	Forward Direction = "forward"
)

// ParseDirection converts a step suffix into a Direction.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case Left, Right, Forward:
		return d, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// DefaultThreshold is the nose offset, as a fraction of the eye distance,
// needed to count as a turn.
const DefaultThreshold = 0.1

// ErrDegenerateLandmarks is returned when both eyes share the same x.
var ErrDegenerateLandmarks = errors.New("degenerate eye landmarks")

// ErrDirectionMismatch is returned when the detected direction differs from
// the requested one.
var ErrDirectionMismatch = errors.New("direction mismatch")

// Classify maps key points to a direction. An offset above +threshold of the
// eye distance is left, below -threshold is right.
func Classify(kp recognition.KeyPoints, threshold float64) (Direction, error) {
	eyeDistance := math.Abs(kp.RightEye.X - kp.LeftEye.X)
	if eyeDistance == 0 {
		return "", ErrDegenerateLandmarks
	}

	offset := kp.Nose.X - (kp.LeftEye.X+kp.RightEye.X)/2
	switch {
	case offset > threshold*eyeDistance:
		return Left, nil
	case offset < -threshold*eyeDistance:
		return Right, nil
	default:
		return Forward, nil
	}
}

// Detector classifies head direction from recognizer landmarks.
type Detector struct {
	threshold float64
}

// NewDetector creates a detector. A non-positive threshold selects DefaultThreshold.
func NewDetector(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold}
}

// Direction returns the direction the face is turned.
func (d *Detector) Direction(f *recognition.Face) (Direction, error) {
	kp, err := f.KeyPoints()
	if err != nil {
		return "", err
	}
	return Classify(kp, d.threshold)
}

// Check verifies the face is turned toward expected. On mismatch the detected
// direction is returned together with ErrDirectionMismatch.
func (d *Detector) Check(f *recognition.Face, expected Direction) (Direction, error) {
	got, err := d.Direction(f)
	if err != nil {
		return "", err
	}
	if got != expected {
		return got, fmt.Errorf("%w: expected %s, detected %s", ErrDirectionMismatch, expected, got)
	}
	return got, nil
}
