// Package registry tracks live sessions and admits at most one per identity.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrCodeEU/facegate/pkg/logging"
)

// Channel is the outbound side of a client connection.
type Channel interface {
	WriteJSON(v any) error
	Close() error
}

// Admitter reserves identities across processes.
type Admitter interface {
	Acquire(ctx context.Context, identity string) (bool, error)
	Refresh(ctx context.Context, identity string) error
	Release(ctx context.Context, identity string) error
}

// ErrNotConnected is returned when sending to an identity without a live channel.
var ErrNotConnected = errors.New("identity not connected")

type entry struct {
	ch      Channel
	start   time.Time
	writeMu sync.Mutex
}

// Registry maps identities to their live channel and session start time.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	admitter Admitter
	now      func() time.Time
}

// New creates a registry. admitter may be nil for single-process deployments.
func New(admitter Admitter) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		admitter: admitter,
		now:      time.Now,
	}
}

// Connect admits identity if no session holds it. The reservation is taken
// before accept runs, so concurrent connects for one identity admit exactly
// one caller. accept is not called for rejected identities; if it fails the
// reservation is released.
func (r *Registry) Connect(ctx context.Context, identity string, accept func() (Channel, error)) (bool, error) {
	e := &entry{}

	r.mu.Lock()
	if _, ok := r.sessions[identity]; ok {
		r.mu.Unlock()
		return false, nil
	}
	r.sessions[identity] = e
	r.mu.Unlock()

	if r.admitter != nil {
		ok, err := r.admitter.Acquire(ctx, identity)
		if err != nil || !ok {
			r.remove(identity, e)
			return false, err
		}
	}

	ch, err := accept()
	if err != nil {
		r.remove(identity, e)
		r.release(identity)
		return false, err
	}

	r.mu.Lock()
	e.ch = ch
	e.start = r.now()
	r.mu.Unlock()

	logging.Component("registry").WithField("identity", identity).Debug("Session admitted")
	return true, nil
}

func (r *Registry) remove(identity string, e *entry) {
	r.mu.Lock()
	if r.sessions[identity] == e {
		delete(r.sessions, identity)
	}
	r.mu.Unlock()
}

func (r *Registry) release(identity string) {
	if r.admitter == nil {
		return
	}
	if err := r.admitter.Release(context.Background(), identity); err != nil {
		logging.Component("registry").WithError(err).WithField("identity", identity).Warn("Failed to release admission")
	}
}

// Disconnect closes and forgets the identity's channel. Unknown identities
// are ignored.
func (r *Registry) Disconnect(identity string) {
	r.mu.Lock()
	e, ok := r.sessions[identity]
	if ok {
		delete(r.sessions, identity)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if e.ch != nil {
		e.writeMu.Lock()
		_ = e.ch.Close()
		e.writeMu.Unlock()
	}
	r.release(identity)
	logging.Component("registry").WithField("identity", identity).Debug("Session removed")
}

// Send writes msg as JSON to the identity's channel. Writes to one channel
// are serialized.
func (r *Registry) Send(identity string, msg any) error {
	r.mu.Lock()
	e, ok := r.sessions[identity]
	var ch Channel
	if ok {
		ch = e.ch
	}
	r.mu.Unlock()

	if ch == nil {
		return ErrNotConnected
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return ch.WriteJSON(msg)
}

// IsExpired reports whether the identity's session is older than maxDuration.
// Absent identities count as expired; a non-positive maxDuration never expires.
func (r *Registry) IsExpired(identity string, maxDuration time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[identity]
	if !ok || e.ch == nil {
		return true
	}
	if maxDuration <= 0 {
		return false
	}
	return r.now().Sub(e.start) > maxDuration
}

// Reset restarts the identity's session clock.
func (r *Registry) Reset(identity string) {
	r.mu.Lock()
	e, ok := r.sessions[identity]
	if ok {
		e.start = r.now()
	}
	r.mu.Unlock()

	if ok && r.admitter != nil {
		if err := r.admitter.Refresh(context.Background(), identity); err != nil {
			logging.Component("registry").WithError(err).WithField("identity", identity).Warn("Failed to refresh admission")
		}
	}
}

// Len returns the number of admitted or pending sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close disconnects every session.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Disconnect(id)
	}
}
