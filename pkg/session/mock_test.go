package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MrCodeEU/facegate/pkg/db"
	"github.com/MrCodeEU/facegate/pkg/frame"
	"github.com/MrCodeEU/facegate/pkg/liveness"
	"github.com/MrCodeEU/facegate/pkg/processor"
	"github.com/MrCodeEU/facegate/pkg/storage"
)

// MockRegistry records every response sent to the client.
type MockRegistry struct {
	mu       sync.Mutex
	Sent     []Response
	Resets   int
	SendFunc func(identity string, msg any) error
}

func (m *MockRegistry) Send(identity string, msg any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendFunc != nil {
		if err := m.SendFunc(identity, msg); err != nil {
			return err
		}
	}
	// Round-trip through JSON so tests see what the client sees.
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	m.Sent = append(m.Sent, resp)
	return nil
}

func (m *MockRegistry) Reset(identity string) {
	m.mu.Lock()
	m.Resets++
	m.mu.Unlock()
}

func (m *MockRegistry) Last() Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Sent) == 0 {
		return Response{}
	}
	return m.Sent[len(m.Sent)-1]
}

type MockChecks struct {
	ScreenFunc    func(f *frame.Frame) (processor.Verdict, error)
	LivenessFunc  func(f *frame.Frame, required liveness.Direction) (processor.Verdict, error)
	RecognizeFunc func(f *frame.Frame) (processor.Verdict, error)
}

func (m *MockChecks) Screen(f *frame.Frame) (processor.Verdict, error) {
	if m.ScreenFunc != nil {
		return m.ScreenFunc(f)
	}
	return processor.Pass(nil), nil
}

func (m *MockChecks) Liveness(f *frame.Frame, required liveness.Direction) (processor.Verdict, error) {
	if m.LivenessFunc != nil {
		return m.LivenessFunc(f, required)
	}
	return processor.Pass(processor.DirectionResult{Expected: required, Detected: required}), nil
}

func (m *MockChecks) Recognize(f *frame.Frame) (processor.Verdict, error) {
	if m.RecognizeFunc != nil {
		return m.RecognizeFunc(f)
	}
	return processor.Pass(storage.Match{Identity: "alice", UserID: "alice", Distance: 0.1, Threshold: 0.39}), nil
}

type MockStore struct {
	SaveImageFunc       func(userID, step string, f *frame.Frame) (string, error)
	TrainFunc           func(ctx context.Context, ref storage.UserRef) (storage.TrainStats, error)
	MergeIntoGlobalFunc func(ref storage.UserRef) error
	Saved               []string
	Merged              []storage.UserRef
}

func (m *MockStore) SaveImage(userID, step string, f *frame.Frame) (string, error) {
	m.Saved = append(m.Saved, step)
	if m.SaveImageFunc != nil {
		return m.SaveImageFunc(userID, step, f)
	}
	return "/images/user_" + userID + "/img_" + step + ".png", nil
}

func (m *MockStore) Train(ctx context.Context, ref storage.UserRef) (storage.TrainStats, error) {
	if m.TrainFunc != nil {
		return m.TrainFunc(ctx, ref)
	}
	return storage.TrainStats{Added: 2, Total: 2, Saved: true}, nil
}

func (m *MockStore) MergeIntoGlobal(ref storage.UserRef) error {
	m.Merged = append(m.Merged, ref)
	if m.MergeIntoGlobalFunc != nil {
		return m.MergeIntoGlobalFunc(ref)
	}
	return nil
}

func (m *MockStore) UserTablePath(userID string) string {
	return "/embeddings/user_" + userID + ".json"
}

type MockRecords struct {
	EnsureFaceIDFunc   func(ctx context.Context, userID, modelPath string) (*db.FaceID, bool, error)
	SetFaceIDStatsFunc func(ctx context.Context, userID string, stats any) error
	CreateTokenFunc    func(ctx context.Context, userID string) (*db.Token, error)
	Stats              map[string]any
	Tokens             []string
}

func (m *MockRecords) EnsureFaceID(ctx context.Context, userID, modelPath string) (*db.FaceID, bool, error) {
	if m.EnsureFaceIDFunc != nil {
		return m.EnsureFaceIDFunc(ctx, userID, modelPath)
	}
	return &db.FaceID{ID: "face-" + userID, UserID: userID, ModelPath: modelPath}, true, nil
}

func (m *MockRecords) SetFaceIDStats(ctx context.Context, userID string, stats any) error {
	if m.Stats == nil {
		m.Stats = map[string]any{}
	}
	m.Stats[userID] = stats
	if m.SetFaceIDStatsFunc != nil {
		return m.SetFaceIDStatsFunc(ctx, userID, stats)
	}
	return nil
}

func (m *MockRecords) CreateToken(ctx context.Context, userID string) (*db.Token, error) {
	if m.CreateTokenFunc != nil {
		return m.CreateTokenFunc(ctx, userID)
	}
	tok := "token-for-" + userID
	m.Tokens = append(m.Tokens, tok)
	return &db.Token{Token: tok, UserID: userID}, nil
}
