// Package processor runs the per-step checks on a decoded frame and turns
// their outcome into a verdict the session can relay to the client.
package processor

import (
	"errors"
	"fmt"

	"github.com/MrCodeEU/facegate/pkg/antispoof"
	"github.com/MrCodeEU/facegate/pkg/frame"
	"github.com/MrCodeEU/facegate/pkg/liveness"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/storage"
)

// ErrorCode classifies a failed verdict.
type ErrorCode string

const (
	CodeNone              ErrorCode = ""
	CodeProtocol          ErrorCode = "protocol_error"
	CodeNoFace            ErrorCode = "no_face"
	CodeMultipleFaces     ErrorCode = "multiple_faces"
	CodeSizeInvalid       ErrorCode = "size_invalid"
	CodeSpoofDetected     ErrorCode = "spoof_detected"
	CodeDirectionMismatch ErrorCode = "direction_mismatch"
	CodeNotEnrolled       ErrorCode = "not_enrolled"
	CodeDimensionMismatch ErrorCode = "dimension_mismatch"
	CodeNoMatch           ErrorCode = "no_match"
	CodeSessionExpired    ErrorCode = "session_expired"
	CodeUnhandled         ErrorCode = "unhandled"
)

// Verdict is the outcome of a check.
type Verdict struct {
	Status  bool
	Code    ErrorCode
	Message string
	Data    any
}

// Pass returns a successful verdict.
func Pass(data any) Verdict {
	return Verdict{Status: true, Data: data}
}

// Fail returns a failed verdict with the default message for code.
func Fail(code ErrorCode, data any) Verdict {
	return Verdict{Code: code, Message: DefaultMessage(code), Data: data}
}

var defaultMessages = map[ErrorCode]string{
	CodeProtocol:          "Incorrect step.",
	CodeNoFace:            "Face could not be detected.",
	CodeMultipleFaces:     "Multiple faces detected.",
	CodeSizeInvalid:       "Incorrect face size.",
	CodeSpoofDetected:     "Spoof detected.",
	CodeDirectionMismatch: "Incorrect movement.",
	CodeNotEnrolled:       "No faces are enrolled yet.",
	CodeDimensionMismatch: "Stored face data is incompatible, please enroll again.",
	CodeNoMatch:           "Face not recognized.",
	CodeSessionExpired:    "Session expired.",
	CodeUnhandled:         "An internal error occurred.",
}

// DefaultMessage returns the user-facing message for code.
func DefaultMessage(code ErrorCode) string {
	if msg, ok := defaultMessages[code]; ok {
		return msg
	}
	return defaultMessages[CodeUnhandled]
}

// Recoverable reports whether the client may retry the same step.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case CodeProtocol, CodeNoFace, CodeMultipleFaces, CodeSizeInvalid, CodeSpoofDetected, CodeDirectionMismatch:
		return true
	}
	return false
}

// FaceDetector finds faces with landmarks and descriptors.
type FaceDetector interface {
	DetectFaces(f *frame.Frame) ([]recognition.Face, error)
}

// Searcher resolves an embedding against the enrolled faces.
type Searcher interface {
	Search(embedding []float32) (storage.Match, error)
}

// Config holds processor thresholds.
type Config struct {
	MinFaceSize int
	MaxFaceSize int
}

// Processors bundles the checks run by the session steps.
type Processors struct {
	detector FaceDetector
	scorer   antispoof.Scorer
	liveness *liveness.Detector
	searcher Searcher
	cfg      Config
}

// New creates the processors.
func New(detector FaceDetector, scorer antispoof.Scorer, live *liveness.Detector, searcher Searcher, cfg Config) *Processors {
	return &Processors{
		detector: detector,
		scorer:   scorer,
		liveness: live,
		searcher: searcher,
		cfg:      cfg,
	}
}

// detect runs detection and maps face-count failures to verdicts. A nil
// verdict means faces holds at least one face.
func (p *Processors) detect(f *frame.Frame) ([]recognition.Face, *Verdict, error) {
	faces, err := p.detector.DetectFaces(f)
	if errors.Is(err, recognition.ErrNoFaceDetected) || (err == nil && len(faces) == 0) {
		v := Fail(CodeNoFace, nil)
		return nil, &v, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("face detection: %w", err)
	}
	return faces, nil, nil
}

// detectOne requires exactly one face.
func (p *Processors) detectOne(f *frame.Frame) (*recognition.Face, *Verdict, error) {
	faces, v, err := p.detect(f)
	if v != nil || err != nil {
		return nil, v, err
	}
	if len(faces) > 1 {
		v := Fail(CodeMultipleFaces, map[string]int{"faces": len(faces)})
		return nil, &v, nil
	}
	return &faces[0], nil, nil
}
