package processor

import (
	"image"

	"github.com/MrCodeEU/facegate/pkg/antispoof"
	"github.com/MrCodeEU/facegate/pkg/frame"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/storage"
)

type MockDetector struct {
	DetectFacesFunc func(f *frame.Frame) ([]recognition.Face, error)
	Calls           int
}

func (m *MockDetector) DetectFaces(f *frame.Frame) ([]recognition.Face, error) {
	m.Calls++
	if m.DetectFacesFunc != nil {
		return m.DetectFacesFunc(f)
	}
	return nil, recognition.ErrNoFaceDetected
}

type MockScorer struct {
	ScoreFunc func(img image.Image, box image.Rectangle) (antispoof.Result, error)
}

func (m *MockScorer) Score(img image.Image, box image.Rectangle) (antispoof.Result, error) {
	if m.ScoreFunc != nil {
		return m.ScoreFunc(img, box)
	}
	return antispoof.Result{IsReal: true, Score: 1}, nil
}

type MockSearcher struct {
	SearchFunc func(embedding []float32) (storage.Match, error)
}

func (m *MockSearcher) Search(embedding []float32) (storage.Match, error) {
	if m.SearchFunc != nil {
		return m.SearchFunc(embedding)
	}
	return storage.Match{}, storage.ErrNotInitialized
}
