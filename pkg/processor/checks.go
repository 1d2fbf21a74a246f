package processor

import (
	"errors"
	"fmt"
	"image"

	"github.com/MrCodeEU/facegate/pkg/frame"
	"github.com/MrCodeEU/facegate/pkg/liveness"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/storage"
)

// Box is a face bounding box as sent to clients.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func boxOf(f *recognition.Face) Box {
	b := f.BoundingBox
	return Box{X: b.X, Y: b.Y, W: b.Width, H: b.Height}
}

// FaceScore is the anti-spoof outcome for one face.
type FaceScore struct {
	Box    Box     `json:"box"`
	IsReal bool    `json:"is_real"`
	Score  float64 `json:"score"`
}

// DirectionResult is the liveness outcome.
type DirectionResult struct {
	Expected liveness.Direction `json:"expected"`
	Detected liveness.Direction `json:"detected"`
}

// AntiSpoof scores every detected face and fails if any looks recaptured.
func (p *Processors) AntiSpoof(f *frame.Frame) (Verdict, error) {
	faces, v, err := p.detect(f)
	if v != nil || err != nil {
		return deref(v), err
	}
	return p.antiSpoofFaces(f, faces)
}

func (p *Processors) antiSpoofFaces(f *frame.Frame, faces []recognition.Face) (Verdict, error) {
	if len(faces) > 1 {
		return Fail(CodeMultipleFaces, map[string]int{"faces": len(faces)}), nil
	}

	scores := make([]FaceScore, 0, len(faces))
	spoof := false
	for i := range faces {
		box := boxOf(&faces[i])
		rect := image.Rect(box.X, box.Y, box.X+box.W, box.Y+box.H)
		res, err := p.scorer.Score(f.Image, rect)
		if err != nil {
			return Verdict{}, fmt.Errorf("anti-spoof scoring: %w", err)
		}
		scores = append(scores, FaceScore{Box: box, IsReal: res.IsReal, Score: res.Score})
		if !res.IsReal {
			spoof = true
		}
	}

	if spoof {
		return Fail(CodeSpoofDetected, scores), nil
	}
	return Pass(scores), nil
}

// FaceSize requires exactly one face whose box fits the configured bounds.
func (p *Processors) FaceSize(f *frame.Frame) (Verdict, error) {
	faces, v, err := p.detect(f)
	if v != nil || err != nil {
		return deref(v), err
	}
	return p.faceSizeFaces(faces), nil
}

func (p *Processors) faceSizeFaces(faces []recognition.Face) Verdict {
	if len(faces) > 1 {
		return Fail(CodeMultipleFaces, map[string]int{"faces": len(faces)})
	}

	box := boxOf(&faces[0])
	switch {
	case box.W < p.cfg.MinFaceSize || box.H < p.cfg.MinFaceSize:
		return Verdict{Code: CodeSizeInvalid, Message: "Face is too small.", Data: box}
	case box.W > p.cfg.MaxFaceSize || box.H > p.cfg.MaxFaceSize:
		return Verdict{Code: CodeSizeInvalid, Message: "Face is too large.", Data: box}
	}
	return Pass(box)
}

// Screen runs AntiSpoof then FaceSize over a single detection pass and
// returns the first failure.
func (p *Processors) Screen(f *frame.Frame) (Verdict, error) {
	faces, v, err := p.detect(f)
	if v != nil || err != nil {
		return deref(v), err
	}

	verdict, err := p.antiSpoofFaces(f, faces)
	if err != nil || !verdict.Status {
		return verdict, err
	}
	return p.faceSizeFaces(faces), nil
}

// Liveness checks the single face is turned toward required.
func (p *Processors) Liveness(f *frame.Frame, required liveness.Direction) (Verdict, error) {
	face, v, err := p.detectOne(f)
	if v != nil || err != nil {
		return deref(v), err
	}

	detected, err := p.liveness.Check(face, required)
	switch {
	case errors.Is(err, liveness.ErrDirectionMismatch):
		return Verdict{
			Code:    CodeDirectionMismatch,
			Message: fmt.Sprintf("Incorrect movement. Expected %s, but detected %s.", required, detected),
			Data:    DirectionResult{Expected: required, Detected: detected},
		}, nil
	case errors.Is(err, recognition.ErrInsufficientLandmarks), errors.Is(err, liveness.ErrDegenerateLandmarks):
		return Verdict{Code: CodeNoFace, Message: "Face landmarks could not be detected."}, nil
	case err != nil:
		return Verdict{}, err
	}
	return Pass(DirectionResult{Expected: required, Detected: detected}), nil
}

// Recognize identifies the single face against the enrolled faces.
func (p *Processors) Recognize(f *frame.Frame) (Verdict, error) {
	face, v, err := p.detectOne(f)
	if v != nil || err != nil {
		return deref(v), err
	}

	match, err := p.searcher.Search(face.Descriptor)
	switch {
	case errors.Is(err, storage.ErrNotInitialized):
		return Fail(CodeNotEnrolled, nil), nil
	case errors.Is(err, storage.ErrDimensionMismatch):
		return Fail(CodeDimensionMismatch, nil), nil
	case errors.Is(err, storage.ErrNoMatch):
		return Fail(CodeNoMatch, nil), nil
	case err != nil:
		return Verdict{}, fmt.Errorf("search: %w", err)
	}
	return Pass(match), nil
}

func deref(v *Verdict) Verdict {
	if v == nil {
		return Verdict{}
	}
	return *v
}
