// Package recognition provides face detection, landmark extraction and
// embedding generation. It uses dlib through go-face.
package recognition

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/MrCodeEU/facegate/pkg/frame"
	"github.com/MrCodeEU/facegate/pkg/logging"
)

// Face represents a detected face in an image.
type Face struct {
	BoundingBox Rectangle
	Landmarks   []Point
	Descriptor  []float32
}

// Rectangle represents a bounding box.
type Rectangle struct {
	X, Y          int
	Width, Height int
}

// Point represents a 2D point.
type Point struct {
	X, Y int
}

// FaceEngine is the subset of the dlib recognizer FaceGate relies on.
type FaceEngine interface {
	Recognize(data []byte) ([]face.Face, error)
	Close()
}

// ErrNoFaceDetected is returned when no face is found in the image.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrMultipleFaces is returned when multiple faces are detected.
var ErrMultipleFaces = errors.New("multiple faces detected")

// ErrModelNotLoaded is returned when models are not loaded.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// DlibRecognizer implements face detection and embedding via go-face.
// The dlib recognizer is not safe for concurrent use, so calls are serialized.
type DlibRecognizer struct {
	engine    FaceEngine
	modelPath string
	loaded    bool
	mu        sync.Mutex
	factory   func(path string) (FaceEngine, error)
}

// NewRecognizer creates a new DlibRecognizer instance.
func NewRecognizer() *DlibRecognizer {
	return &DlibRecognizer{
		factory: func(path string) (FaceEngine, error) {
			return face.NewRecognizer(path)
		},
	}
}

// LoadModels loads the dlib models from modelPath. The directory must contain
// shape_predictor_5_face_landmarks.dat, dlib_face_recognition_resnet_model_v1.dat
// and mmod_human_face_detector.dat.
func (r *DlibRecognizer) LoadModels(modelPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return nil
	}

	logging.Infof("Loading face recognition models from: %s", modelPath)

	engine, err := r.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	r.engine = engine
	r.modelPath = modelPath
	r.loaded = true

	logging.Info("Face recognition models loaded successfully")
	return nil
}

// IsLoaded returns true if models are loaded.
func (r *DlibRecognizer) IsLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Close releases the recognizer resources.
func (r *DlibRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.engine != nil {
		r.engine.Close()
		r.engine = nil
	}
	r.loaded = false
	return nil
}

// DetectFaces detects all faces in a frame, with landmarks and descriptors.
// ErrNoFaceDetected is returned when the frame contains no face.
func (r *DlibRecognizer) DetectFaces(f *frame.Frame) ([]Face, error) {
	data, err := f.JPEG()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		return nil, ErrModelNotLoaded
	}

	faces, err := r.engine.Recognize(data)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}

	result := make([]Face, len(faces))
	for i, df := range faces {
		rect := df.Rectangle
		landmarks := make([]Point, len(df.Shapes))
		for j, p := range df.Shapes {
			landmarks[j] = Point{X: p.X, Y: p.Y}
		}
		descriptor := make([]float32, len(df.Descriptor))
		copy(descriptor, df.Descriptor[:])

		result[i] = Face{
			BoundingBox: Rectangle{
				X:      rect.Min.X,
				Y:      rect.Min.Y,
				Width:  rect.Dx(),
				Height: rect.Dy(),
			},
			Landmarks:  landmarks,
			Descriptor: descriptor,
		}
	}

	logging.Debugf("Detected %d face(s) in %dx%d frame", len(result), f.Width, f.Height)
	return result, nil
}

// DetectSingleFace detects exactly one face in the frame.
func (r *DlibRecognizer) DetectSingleFace(f *frame.Frame) (*Face, error) {
	faces, err := r.DetectFaces(f)
	if err != nil {
		return nil, err
	}
	if len(faces) > 1 {
		return nil, ErrMultipleFaces
	}
	return &faces[0], nil
}
