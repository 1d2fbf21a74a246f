package processor

import (
	"errors"
	"image"
	"strings"
	"testing"

	"github.com/MrCodeEU/facegate/pkg/antispoof"
	"github.com/MrCodeEU/facegate/pkg/frame"
	"github.com/MrCodeEU/facegate/pkg/liveness"
	"github.com/MrCodeEU/facegate/pkg/recognition"
	"github.com/MrCodeEU/facegate/pkg/storage"
)

func testFrame(t *testing.T) *frame.Frame {
	t.Helper()
	f, err := frame.FromImage(image.NewRGBA(image.Rect(0, 0, 400, 400)))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// sizedFace returns a face of the given box size whose nose is offset
// horizontally by noseOffset pixels from the eye midpoint.
func sizedFace(size, noseOffset int) recognition.Face {
	return recognition.Face{
		BoundingBox: recognition.Rectangle{X: 20, Y: 20, Width: size, Height: size},
		Landmarks: []recognition.Point{
			{X: 140, Y: 100}, {X: 160, Y: 100},
			{X: 240, Y: 100}, {X: 260, Y: 100},
			{X: 200 + noseOffset, Y: 150},
		},
		Descriptor: []float32{1, 0, 0},
	}
}

func detecting(faces ...recognition.Face) *MockDetector {
	return &MockDetector{DetectFacesFunc: func(*frame.Frame) ([]recognition.Face, error) {
		if len(faces) == 0 {
			return nil, recognition.ErrNoFaceDetected
		}
		return faces, nil
	}}
}

func newProcessors(det FaceDetector, scorer antispoof.Scorer, searcher Searcher) *Processors {
	return New(det, scorer, liveness.NewDetector(liveness.DefaultThreshold), searcher,
		Config{MinFaceSize: 140, MaxFaceSize: 280})
}

func TestNoFace_EveryProcessor(t *testing.T) {
	p := newProcessors(detecting(), &MockScorer{}, &MockSearcher{})
	f := testFrame(t)

	checks := map[string]func() (Verdict, error){
		"antispoof": func() (Verdict, error) { return p.AntiSpoof(f) },
		"face size": func() (Verdict, error) { return p.FaceSize(f) },
		"screen":    func() (Verdict, error) { return p.Screen(f) },
		"liveness":  func() (Verdict, error) { return p.Liveness(f, liveness.Left) },
		"recognize": func() (Verdict, error) { return p.Recognize(f) },
	}

	for name, check := range checks {
		t.Run(name, func(t *testing.T) {
			v, err := check()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Status || v.Code != CodeNoFace {
				t.Errorf("expected no_face, got %+v", v)
			}
			if v.Message == "" {
				t.Error("failed verdict must carry a message")
			}
		})
	}
}

func TestMultipleFaces(t *testing.T) {
	p := newProcessors(detecting(sizedFace(200, 0), sizedFace(200, 0)), &MockScorer{}, &MockSearcher{})
	f := testFrame(t)

	for _, check := range []func() (Verdict, error){
		func() (Verdict, error) { return p.AntiSpoof(f) },
		func() (Verdict, error) { return p.FaceSize(f) },
		func() (Verdict, error) { return p.Liveness(f, liveness.Left) },
		func() (Verdict, error) { return p.Recognize(f) },
	} {
		v, err := check()
		if err != nil || v.Code != CodeMultipleFaces {
			t.Errorf("expected multiple_faces, got %+v (%v)", v, err)
		}
	}
}

func TestAntiSpoof(t *testing.T) {
	f := testFrame(t)

	genuine := newProcessors(detecting(sizedFace(200, 0)), &MockScorer{}, nil)
	v, err := genuine.AntiSpoof(f)
	if err != nil || !v.Status {
		t.Fatalf("expected pass, got %+v (%v)", v, err)
	}
	scores, ok := v.Data.([]FaceScore)
	if !ok || len(scores) != 1 || !scores[0].IsReal {
		t.Errorf("unexpected data %+v", v.Data)
	}

	var gotBox image.Rectangle
	fake := newProcessors(detecting(sizedFace(200, 0)), &MockScorer{
		ScoreFunc: func(img image.Image, box image.Rectangle) (antispoof.Result, error) {
			gotBox = box
			return antispoof.Result{IsReal: false, Score: 0.1}, nil
		},
	}, nil)
	v, err = fake.AntiSpoof(f)
	if err != nil {
		t.Fatal(err)
	}
	if v.Status || v.Code != CodeSpoofDetected {
		t.Errorf("expected spoof_detected, got %+v", v)
	}
	if gotBox != image.Rect(20, 20, 220, 220) {
		t.Errorf("scorer got box %v", gotBox)
	}

	broken := newProcessors(detecting(sizedFace(200, 0)), &MockScorer{
		ScoreFunc: func(image.Image, image.Rectangle) (antispoof.Result, error) {
			return antispoof.Result{}, errors.New("model crashed")
		},
	}, nil)
	if _, err := broken.AntiSpoof(f); err == nil {
		t.Error("expected scorer error to propagate")
	}
}

func TestFaceSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		pass    bool
		message string
	}{
		{"too small", 100, false, "too small"},
		{"lower bound", 140, true, ""},
		{"inside", 200, true, ""},
		{"upper bound", 280, true, ""},
		{"too large", 320, false, "too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProcessors(detecting(sizedFace(tt.size, 0)), &MockScorer{}, nil)
			v, err := p.FaceSize(testFrame(t))
			if err != nil {
				t.Fatal(err)
			}
			if v.Status != tt.pass {
				t.Errorf("expected status %v, got %+v", tt.pass, v)
			}
			if !tt.pass && (v.Code != CodeSizeInvalid || !strings.Contains(v.Message, tt.message)) {
				t.Errorf("unexpected failure verdict %+v", v)
			}
		})
	}
}

func TestScreen_SingleDetection(t *testing.T) {
	det := detecting(sizedFace(320, 0))
	p := newProcessors(det, &MockScorer{}, nil)

	v, err := p.Screen(testFrame(t))
	if err != nil {
		t.Fatal(err)
	}
	if v.Code != CodeSizeInvalid {
		t.Errorf("expected size failure after passing anti-spoof, got %+v", v)
	}
	if det.Calls != 1 {
		t.Errorf("expected one detection pass, got %d", det.Calls)
	}

	spoof := newProcessors(detecting(sizedFace(320, 0)), &MockScorer{
		ScoreFunc: func(image.Image, image.Rectangle) (antispoof.Result, error) {
			return antispoof.Result{IsReal: false}, nil
		},
	}, nil)
	v, _ = spoof.Screen(testFrame(t))
	if v.Code != CodeSpoofDetected {
		t.Errorf("anti-spoof failure must come first, got %+v", v)
	}
}

func TestLiveness(t *testing.T) {
	tests := []struct {
		name     string
		offset   int
		required liveness.Direction
		pass     bool
	}{
		{"left turn for left", 15, liveness.Left, true},
		{"right turn for right", -15, liveness.Right, true},
		{"forward for left", 0, liveness.Left, false},
		{"left for right", 15, liveness.Right, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProcessors(detecting(sizedFace(200, tt.offset)), &MockScorer{}, nil)
			v, err := p.Liveness(testFrame(t), tt.required)
			if err != nil {
				t.Fatal(err)
			}
			if v.Status != tt.pass {
				t.Fatalf("expected status %v, got %+v", tt.pass, v)
			}
			if !tt.pass {
				if v.Code != CodeDirectionMismatch {
					t.Errorf("expected direction_mismatch, got %s", v.Code)
				}
				if !strings.Contains(v.Message, "Expected "+string(tt.required)) {
					t.Errorf("message should name the expected direction: %s", v.Message)
				}
			}
		})
	}
}

func TestLiveness_NoLandmarks(t *testing.T) {
	face := sizedFace(200, 0)
	face.Landmarks = nil
	p := newProcessors(detecting(face), &MockScorer{}, nil)

	v, err := p.Liveness(testFrame(t), liveness.Left)
	if err != nil {
		t.Fatal(err)
	}
	if v.Code != CodeNoFace {
		t.Errorf("expected no_face, got %+v", v)
	}
}

func TestRecognize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
	}{
		{"match", nil, CodeNone},
		{"nothing enrolled", storage.ErrNotInitialized, CodeNotEnrolled},
		{"model changed", storage.ErrDimensionMismatch, CodeDimensionMismatch},
		{"no match", storage.ErrNoMatch, CodeNoMatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			searcher := &MockSearcher{SearchFunc: func(embedding []float32) (storage.Match, error) {
				if tt.err != nil {
					return storage.Match{}, tt.err
				}
				return storage.Match{UserID: "42", Distance: 0.1}, nil
			}}
			p := newProcessors(detecting(sizedFace(200, 0)), &MockScorer{}, searcher)

			v, err := p.Recognize(testFrame(t))
			if err != nil {
				t.Fatal(err)
			}
			if v.Code != tt.code {
				t.Errorf("expected code %q, got %+v", tt.code, v)
			}
			if tt.code == CodeNone {
				m, ok := v.Data.(storage.Match)
				if !v.Status || !ok || m.UserID != "42" {
					t.Errorf("expected match for user 42, got %+v", v)
				}
			}
		})
	}

	broken := newProcessors(detecting(sizedFace(200, 0)), &MockScorer{}, &MockSearcher{
		SearchFunc: func([]float32) (storage.Match, error) { return storage.Match{}, errors.New("disk") },
	})
	if _, err := broken.Recognize(testFrame(t)); err == nil {
		t.Error("expected unclassified search error to propagate")
	}
}

func TestErrorCode_Recoverable(t *testing.T) {
	recoverable := []ErrorCode{CodeProtocol, CodeNoFace, CodeMultipleFaces, CodeSizeInvalid, CodeSpoofDetected, CodeDirectionMismatch}
	terminal := []ErrorCode{CodeNotEnrolled, CodeDimensionMismatch, CodeNoMatch, CodeUnhandled, CodeSessionExpired}

	for _, c := range recoverable {
		if !c.Recoverable() {
			t.Errorf("%s should be recoverable", c)
		}
	}
	for _, c := range terminal {
		if c.Recoverable() {
			t.Errorf("%s should not be recoverable", c)
		}
	}
	if DefaultMessage("bogus") != DefaultMessage(CodeUnhandled) {
		t.Error("unknown codes should fall back to the unhandled message")
	}
}
