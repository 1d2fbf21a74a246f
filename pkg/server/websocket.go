package server

import (
	"net/http"
	"time"

	"github.com/MrCodeEU/facegate/pkg/processor"
	"github.com/MrCodeEU/facegate/pkg/registry"
	"github.com/MrCodeEU/facegate/pkg/session"
	"github.com/MrCodeEU/facegate/pkg/steps"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	maxMessageSize = 8 << 20
	writeWait      = 10 * time.Second
)

// wsChannel adapts a WebSocket connection to registry.Channel. The registry
// serializes calls.
type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) WriteJSON(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsChannel) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.conn.Close()
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil // gorilla's same-origin check
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	s.serveSession(w, r, steps.FlowAuth, uuid.NewString(), "")
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if err := storage.ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	s.serveSession(w, r, steps.FlowRegister, userID, userID)
}

// serveSession admits identity, upgrades the connection and runs the read
// loop until the flow finishes, fails or the client goes away.
func (s *Server) serveSession(w http.ResponseWriter, r *http.Request, flow steps.Flow, identity, userID string) {
	log := s.log.WithFields(logrus.Fields{"flow": flow, "identity": identity})

	catalog, err := steps.For(flow)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown flow")
		return
	}

	var conn *websocket.Conn
	upgraded := false
	ok, err := s.reg.Connect(r.Context(), identity, func() (registry.Channel, error) {
		upgraded = true
		c, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return nil, err
		}
		conn = c
		return &wsChannel{conn: c}, nil
	})
	switch {
	case err != nil && upgraded:
		// The upgrader has already answered the request.
		log.WithError(err).Debug("Upgrade failed")
		return
	case err != nil:
		log.WithError(err).Error("Admission failed")
		writeError(w, http.StatusServiceUnavailable, "session admission unavailable")
		return
	case !ok:
		log.Info("Rejected duplicate session")
		writeError(w, http.StatusConflict, "a session for this identity is already active")
		return
	}
	defer s.reg.Disconnect(identity)

	conn.SetReadLimit(maxMessageSize)
	log.Info("Session started")

	m := session.New(catalog, identity, userID, session.Deps{
		Registry: s.reg,
		Checks:   s.checks,
		Store:    s.store,
		Records:  s.records,
	})

	ctx := r.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("Connection lost")
			}
			log.Info("Session ended")
			return
		}

		if s.reg.IsExpired(identity, s.opts.MaxSession) {
			log.Info("Session expired")
			_ = s.reg.Send(identity, session.ErrorResponse(m.Expected(), processor.CodeSessionExpired))
			return
		}

		done, err := m.Handle(ctx, raw)
		if err != nil {
			return
		}
		if done {
			log.Info("Session completed")
			return
		}
	}
}
