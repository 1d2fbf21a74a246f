// Package session implements the per-connection state machine that walks a
// client through the steps of a flow.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/MrCodeEU/facegate/pkg/db"
	"github.com/MrCodeEU/facegate/pkg/frame"
	"github.com/MrCodeEU/facegate/pkg/liveness"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/processor"
	"github.com/MrCodeEU/facegate/pkg/steps"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Registry is the connection registry as seen by a session.
type Registry interface {
	Send(identity string, msg any) error
	Reset(identity string)
}

// Checks are the frame processors.
type Checks interface {
	Screen(f *frame.Frame) (processor.Verdict, error)
	Liveness(f *frame.Frame, required liveness.Direction) (processor.Verdict, error)
	Recognize(f *frame.Frame) (processor.Verdict, error)
}

// Store is the embedding store.
type Store interface {
	SaveImage(userID, step string, f *frame.Frame) (string, error)
	Train(ctx context.Context, ref storage.UserRef) (storage.TrainStats, error)
	MergeIntoGlobal(ref storage.UserRef) error
	UserTablePath(userID string) string
}

// Records persists face-id records and login tokens.
type Records interface {
	EnsureFaceID(ctx context.Context, userID, modelPath string) (*db.FaceID, bool, error)
	SetFaceIDStats(ctx context.Context, userID string, stats any) error
	CreateToken(ctx context.Context, userID string) (*db.Token, error)
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Registry Registry
	Checks   Checks
	Store    Store
	Records  Records
}

// Machine is the state of one session. It is not safe for concurrent use;
// the connection's read loop feeds it one message at a time.
type Machine struct {
	catalog  *steps.Catalog
	identity string
	userID   string
	expected steps.Step
	deps     Deps
	log      *logrus.Entry
}

// New creates a machine for identity. userID is the enrolling user in the
// register flow and ignored otherwise.
func New(catalog *steps.Catalog, identity, userID string, deps Deps) *Machine {
	return &Machine{
		catalog:  catalog,
		identity: identity,
		userID:   userID,
		expected: catalog.First(),
		deps:     deps,
		log:      logging.Session(string(catalog.Flow()), identity),
	}
}

// Expected returns the step the machine will accept next.
func (m *Machine) Expected() steps.Step { return m.expected }

// Handle processes one raw inbound message. done reports that the flow has
// finished and the connection should be closed. A non-nil error means the
// turn failed unexpectedly; the client has been told and the session must be
// torn down.
func (m *Machine) Handle(ctx context.Context, raw []byte) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("stack", string(debug.Stack())).Errorf("Panic while handling message: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			m.log.WithError(err).WithField("step", m.expected.Value).Error("Unhandled error, closing session")
			_ = m.deps.Registry.Send(m.identity, ErrorResponse(m.expected, processor.CodeUnhandled))
			done = true
		}
	}()

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false, m.send(failure(steps.Step{}, stepPtr(m.expected), protocolError("Invalid message.")))
	}

	step, ok := m.catalog.Lookup(msg.Step)
	if !ok {
		m.log.WithField("step", msg.Step).Warn("Unknown step")
		return false, m.send(failure(steps.Step{Value: msg.Step}, stepPtr(m.expected), NewError(processor.CodeProtocol, true)))
	}

	if step.Value != steps.Initial && step.Value != m.expected.Value {
		m.log.WithFields(logrus.Fields{"step": step.Value, "expected": m.expected.Value}).Warn("Out of order step")
		return false, m.send(failure(step, stepPtr(m.expected), protocolError("Unexpected step.")))
	}

	m.log.WithField("step", step.Value).Debug("Handling step")

	switch {
	case step.Value == steps.Initial:
		return false, m.handleInitial(step)
	case step.Value == steps.AntiSpoof:
		return false, m.handleScreen(step, msg.Image)
	case step.IsLiveness():
		return false, m.handleLiveness(step, msg.Image)
	case step.Value == steps.Recognize:
		return m.handleRecognize(ctx, step, msg.Image)
	case step.Value == steps.Enroll:
		return m.handleEnroll(ctx, step, msg.Image)
	}
	return false, fmt.Errorf("step %q has no handler", step.Value)
}

func (m *Machine) send(resp Response) error {
	if err := m.deps.Registry.Send(m.identity, resp); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// advance moves to the successor of step and reports it as passed.
func (m *Machine) advance(step steps.Step, data any) error {
	next, ok := m.catalog.Next(step.Value)
	if !ok {
		return fmt.Errorf("step %q has no successor", step.Value)
	}
	m.expected = next
	return m.send(success(step, stepPtr(next), data))
}

// retry re-offers step after a recoverable failure.
func (m *Machine) retry(step steps.Step, e *Error) error {
	m.expected = step
	return m.send(failure(step, stepPtr(step), e))
}

// fail ends the attempt; the client has to start over from the first step.
func (m *Machine) fail(step steps.Step, e *Error) error {
	m.expected = m.catalog.First()
	m.log.WithFields(logrus.Fields{"step": step.Value, "code": e.Code}).Info("Flow failed")
	return m.send(failure(step, nil, e))
}

// decode turns the image field into a frame. A nil frame with a nil error
// means a recoverable protocol error has already been sent.
func (m *Machine) decode(step steps.Step, image string) (*frame.Frame, error) {
	if image == "" {
		return nil, m.retry(step, protocolError("Image is required."))
	}
	f, err := frame.DecodeDataURL(image)
	if err != nil {
		m.log.WithError(err).Debug("Rejected image")
		return nil, m.retry(step, protocolError("Invalid image."))
	}
	return f, nil
}

func (m *Machine) handleInitial(step steps.Step) error {
	m.deps.Registry.Reset(m.identity)
	return m.advance(step, nil)
}

func (m *Machine) handleScreen(step steps.Step, image string) error {
	f, err := m.decode(step, image)
	if f == nil {
		return err
	}

	v, err := m.deps.Checks.Screen(f)
	if err != nil {
		return err
	}
	if !v.Status {
		return m.retry(step, fromVerdict(v))
	}

	if m.catalog.Flow() == steps.FlowRegister {
		if _, err := m.deps.Store.SaveImage(m.userID, step.Value, f); err != nil {
			return err
		}
	}
	return m.advance(step, v.Data)
}

func (m *Machine) handleLiveness(step steps.Step, image string) error {
	required, ok := step.RequiredMove()
	if !ok {
		return fmt.Errorf("step %q has no direction", step.Value)
	}

	f, err := m.decode(step, image)
	if f == nil {
		return err
	}

	v, err := m.deps.Checks.Liveness(f, required)
	if err != nil {
		return err
	}
	if !v.Status {
		return m.retry(step, fromVerdict(v))
	}
	return m.advance(step, v.Data)
}

func (m *Machine) handleRecognize(ctx context.Context, step steps.Step, image string) (bool, error) {
	f, err := m.decode(step, image)
	if f == nil {
		return false, err
	}

	v, err := m.deps.Checks.Recognize(f)
	if err != nil {
		return false, err
	}
	if !v.Status {
		if v.Code.Recoverable() {
			return false, m.retry(step, fromVerdict(v))
		}
		return false, m.fail(step, fromVerdict(v))
	}

	match, ok := v.Data.(storage.Match)
	if !ok {
		return false, fmt.Errorf("unexpected recognition result %T", v.Data)
	}

	tok, err := m.deps.Records.CreateToken(ctx, match.UserID)
	if err != nil {
		return false, fmt.Errorf("create token: %w", err)
	}

	m.log.WithFields(logrus.Fields{"user_id": match.UserID, "distance": match.Distance}).Info("Face login succeeded")
	resp := success(step, nil, nil)
	resp.Message = "Authentication completed."
	resp.Result = TokenResult{Token: tok.Token}
	return true, m.send(resp)
}

func (m *Machine) handleEnroll(ctx context.Context, step steps.Step, image string) (bool, error) {
	f, err := m.decode(step, image)
	if f == nil {
		return false, err
	}

	if _, err := m.deps.Store.SaveImage(m.userID, step.Value, f); err != nil {
		return false, err
	}

	rec, _, err := m.deps.Records.EnsureFaceID(ctx, m.userID, m.deps.Store.UserTablePath(m.userID))
	if err != nil {
		return false, fmt.Errorf("ensure face id: %w", err)
	}
	ref := storage.UserRef{UserID: m.userID, FaceID: rec.ID}

	stats, err := m.deps.Store.Train(ctx, ref)
	switch {
	case errors.Is(err, storage.ErrNoImages), errors.Is(err, storage.ErrNoEmbeddings):
		return false, m.fail(step, &Error{
			Code:    processor.CodeNoFace,
			Message: "No usable face images were captured.",
			Details: stats,
		})
	case err != nil:
		return false, fmt.Errorf("train: %w", err)
	}

	if err := m.deps.Store.MergeIntoGlobal(ref); err != nil {
		return false, fmt.Errorf("merge: %w", err)
	}
	if err := m.deps.Records.SetFaceIDStats(ctx, m.userID, map[string]any{"train": stats}); err != nil {
		return false, fmt.Errorf("store stats: %w", err)
	}

	m.log.WithFields(logrus.Fields{"user_id": m.userID, "rows": stats.Total}).Info("Enrollment completed")
	resp := success(step, nil, stats)
	resp.Message = "Enrollment completed."
	return true, m.send(resp)
}
