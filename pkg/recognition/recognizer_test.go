package recognition

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/Kagami/go-face"
	"github.com/MrCodeEU/facegate/pkg/frame"
)

func testFrame(t *testing.T) *frame.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(10, 10, color.Black)
	f, err := frame.FromImage(img)
	if err != nil {
		t.Fatalf("FromImage: %v", err)
	}
	return f
}

func loadedRecognizer(t *testing.T, engine *MockFaceEngine) *DlibRecognizer {
	t.Helper()
	rec := NewRecognizer()
	rec.factory = func(path string) (FaceEngine, error) {
		return engine, nil
	}
	if err := rec.LoadModels("/models"); err != nil {
		t.Fatalf("LoadModels: %v", err)
	}
	return rec
}

func dlibFace(x, y, size int, shapes ...image.Point) face.Face {
	var d face.Descriptor
	for i := range d {
		d[i] = float32(i) / 128
	}
	return face.Face{
		Rectangle:  image.Rect(x, y, x+size, y+size),
		Descriptor: d,
		Shapes:     shapes,
	}
}

func TestNewRecognizer(t *testing.T) {
	rec := NewRecognizer()
	if rec == nil {
		t.Fatal("NewRecognizer returned nil")
	}
	if rec.factory == nil {
		t.Error("expected default engine factory")
	}
	if rec.IsLoaded() {
		t.Error("expected IsLoaded to be false initially")
	}
}

func TestLoadModels(t *testing.T) {
	calls := 0
	rec := NewRecognizer()
	rec.factory = func(path string) (FaceEngine, error) {
		calls++
		if path != "/models" {
			t.Errorf("unexpected model path %s", path)
		}
		return &MockFaceEngine{}, nil
	}

	if err := rec.LoadModels("/models"); err != nil {
		t.Fatalf("LoadModels failed: %v", err)
	}
	if !rec.IsLoaded() {
		t.Error("expected models to be loaded")
	}

	// Second load is a no-op.
	if err := rec.LoadModels("/models"); err != nil {
		t.Fatalf("second LoadModels failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected factory to run once, ran %d times", calls)
	}
}

func TestLoadModels_Failure(t *testing.T) {
	rec := NewRecognizer()
	rec.factory = func(path string) (FaceEngine, error) {
		return nil, errors.New("missing shape predictor")
	}

	if err := rec.LoadModels("/models"); err == nil {
		t.Error("expected error from failing factory")
	}
	if rec.IsLoaded() {
		t.Error("recognizer should not be loaded after failure")
	}
}

func TestDetectFaces_NotLoaded(t *testing.T) {
	rec := NewRecognizer()
	if _, err := rec.DetectFaces(testFrame(t)); !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("expected ErrModelNotLoaded, got %v", err)
	}
}

func TestDetectFaces(t *testing.T) {
	var got []byte
	engine := &MockFaceEngine{
		RecognizeFunc: func(data []byte) ([]face.Face, error) {
			got = data
			return []face.Face{dlibFace(5, 6, 150,
				image.Pt(1, 2), image.Pt(3, 4), image.Pt(5, 6), image.Pt(7, 8), image.Pt(9, 10))}, nil
		},
	}
	rec := loadedRecognizer(t, engine)

	faces, err := rec.DetectFaces(testFrame(t))
	if err != nil {
		t.Fatalf("DetectFaces failed: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("expected 1 face, got %d", len(faces))
	}

	// PNG input is handed to dlib as JPEG.
	if len(got) < 2 || got[0] != 0xFF || got[1] != 0xD8 {
		t.Error("expected engine to receive JPEG bytes")
	}

	f := faces[0]
	if f.BoundingBox != (Rectangle{X: 5, Y: 6, Width: 150, Height: 150}) {
		t.Errorf("unexpected bounding box %+v", f.BoundingBox)
	}
	if len(f.Landmarks) != 5 || f.Landmarks[4] != (Point{X: 9, Y: 10}) {
		t.Errorf("unexpected landmarks %+v", f.Landmarks)
	}
	if len(f.Descriptor) != 128 {
		t.Errorf("expected 128-d descriptor, got %d", len(f.Descriptor))
	}
}

func TestDetectFaces_NoFace(t *testing.T) {
	rec := loadedRecognizer(t, &MockFaceEngine{
		RecognizeFunc: func(data []byte) ([]face.Face, error) { return nil, nil },
	})

	if _, err := rec.DetectFaces(testFrame(t)); !errors.Is(err, ErrNoFaceDetected) {
		t.Errorf("expected ErrNoFaceDetected, got %v", err)
	}
}

func TestDetectFaces_EngineError(t *testing.T) {
	rec := loadedRecognizer(t, &MockFaceEngine{
		RecognizeFunc: func(data []byte) ([]face.Face, error) { return nil, errors.New("boom") },
	})

	if _, err := rec.DetectFaces(testFrame(t)); err == nil {
		t.Error("expected engine error to propagate")
	}
}

func TestDetectSingleFace_Multiple(t *testing.T) {
	rec := loadedRecognizer(t, &MockFaceEngine{
		RecognizeFunc: func(data []byte) ([]face.Face, error) {
			return []face.Face{dlibFace(0, 0, 150), dlibFace(200, 0, 150)}, nil
		},
	})

	if _, err := rec.DetectSingleFace(testFrame(t)); !errors.Is(err, ErrMultipleFaces) {
		t.Errorf("expected ErrMultipleFaces, got %v", err)
	}
}

func TestClose(t *testing.T) {
	closed := false
	rec := loadedRecognizer(t, &MockFaceEngine{CloseFunc: func() { closed = true }})

	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !closed {
		t.Error("expected engine to be closed")
	}
	if rec.IsLoaded() {
		t.Error("expected recognizer to be unloaded")
	}
}

func TestKeyPoints(t *testing.T) {
	// dlib order: one eye's corners, the other eye's corners, nose.
	f := Face{Landmarks: []Point{
		{X: 140, Y: 100}, {X: 120, Y: 100},
		{X: 60, Y: 100}, {X: 80, Y: 102},
		{X: 100, Y: 140},
	}}

	kp, err := f.KeyPoints()
	if err != nil {
		t.Fatalf("KeyPoints failed: %v", err)
	}
	if kp.LeftEye != (PointF{X: 70, Y: 101}) {
		t.Errorf("unexpected left eye %+v", kp.LeftEye)
	}
	if kp.RightEye != (PointF{X: 130, Y: 100}) {
		t.Errorf("unexpected right eye %+v", kp.RightEye)
	}
	if kp.Nose != (PointF{X: 100, Y: 140}) {
		t.Errorf("unexpected nose %+v", kp.Nose)
	}
}

func TestKeyPoints_Insufficient(t *testing.T) {
	f := Face{Landmarks: []Point{{X: 1, Y: 1}}}
	if _, err := f.KeyPoints(); !errors.Is(err, ErrInsufficientLandmarks) {
		t.Errorf("expected ErrInsufficientLandmarks, got %v", err)
	}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		name     string
		metric   Metric
		a, b     []float32
		expected float64
		err      error
	}{
		{name: "euclidean identical", metric: MetricEuclidean, a: []float32{1, 2, 3}, b: []float32{1, 2, 3}, expected: 0},
		{name: "euclidean 3-4-5", metric: MetricEuclidean, a: []float32{1, 2, 3}, b: []float32{4, 6, 8}, expected: math.Sqrt(50)},
		{name: "cosine identical", metric: MetricCosine, a: []float32{1, 2, 3}, b: []float32{2, 4, 6}, expected: 0},
		{name: "cosine orthogonal", metric: MetricCosine, a: []float32{1, 0}, b: []float32{0, 1}, expected: 1},
		{name: "cosine opposite", metric: MetricCosine, a: []float32{1, 0}, b: []float32{-1, 0}, expected: 2},
		{name: "cosine zero vector", metric: MetricCosine, a: []float32{0, 0}, b: []float32{1, 0}, expected: 1},
		{name: "dimension mismatch", metric: MetricCosine, a: []float32{1, 2}, b: []float32{1, 2, 3}, err: ErrDimensionMismatch},
		{name: "unknown metric", metric: Metric("manhattan"), a: []float32{1}, b: []float32{1}, err: ErrUnknownMetric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Distance(tt.metric, tt.a, tt.b)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Errorf("expected %v, got %v", tt.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(d-tt.expected) > 1e-6 {
				t.Errorf("expected %f, got %f", tt.expected, d)
			}
		})
	}
}

func TestFindBestMatch(t *testing.T) {
	query := []float32{1, 0, 0}
	gallery := [][]float32{
		{0, 1, 0},
		{0.9, 0.1, 0},
		{0, 0, 1},
	}

	idx, dist, err := FindBestMatch(MetricCosine, query, gallery)
	if err != nil {
		t.Fatalf("FindBestMatch failed: %v", err)
	}
	if idx != 1 {
		t.Errorf("expected best match at 1, got %d", idx)
	}
	if dist > 0.01 {
		t.Errorf("expected small distance, got %f", dist)
	}

	idx, _, err = FindBestMatch(MetricCosine, query, nil)
	if err != nil || idx != -1 {
		t.Errorf("expected -1 for empty gallery, got %d (%v)", idx, err)
	}

	if _, _, err := FindBestMatch(MetricCosine, query, [][]float32{{1, 0}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}
