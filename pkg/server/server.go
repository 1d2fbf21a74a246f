// Package server exposes the face sessions over WebSocket and the few
// supporting HTTP endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MrCodeEU/facegate/pkg/db"
	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/registry"
	"github.com/MrCodeEU/facegate/pkg/session"
	"github.com/MrCodeEU/facegate/pkg/storage"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// APIPrefix is the mount point of every face-id route.
const APIPrefix = "/api/v1/user-face-id"

const (
	shutdownTimeout   = 10 * time.Second
	purgeInterval     = time.Minute
	readHeaderTimeout = 10 * time.Second
)

// Store is the embedding store as used by the server.
type Store interface {
	session.Store
	RebuildGlobal(refs []storage.UserRef) (storage.RebuildStats, error)
}

// Records is the database as used by the server.
type Records interface {
	session.Records
	RedeemToken(ctx context.Context, token string, ttl time.Duration) (*db.Token, error)
	ListFaceIDs(ctx context.Context) ([]db.FaceID, error)
	PurgeTokens(ctx context.Context, ttl time.Duration) (int64, error)
}

// Options configures a Server.
type Options struct {
	RetrainKey     string
	AllowedOrigins []string
	MaxSession     time.Duration // 0 disables expiry
	TokenTTL       time.Duration
	ConnectRate    float64 // new sessions per second per client IP, 0 disables
	ConnectBurst   int
	TrustedProxies []string // peers whose X-Real-IP header is believed
}

// Server wires the registry, the frame processors and the stores to HTTP.
type Server struct {
	reg      *registry.Registry
	checks   session.Checks
	store    Store
	records  Records
	opts     Options
	upgrader websocket.Upgrader
	limiter  *ipLimiter
	ips      *ipResolver
	router   *mux.Router
	log      *logrus.Entry
}

// New creates a server. The registry is owned by the caller.
func New(reg *registry.Registry, checks session.Checks, store Store, records Records, opts Options) *Server {
	s := &Server{
		reg:     reg,
		checks:  checks,
		store:   store,
		records: records,
		opts:    opts,
		log:     logging.Component("server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	trusted, err := ParseTrustedProxies(opts.TrustedProxies)
	if err != nil {
		s.log.WithError(err).Warn("Ignoring trusted proxies")
		trusted = nil
	}
	s.ips = &ipResolver{trusted: trusted}
	if opts.ConnectRate > 0 {
		s.limiter = newIPLimiter(opts.ConnectRate, opts.ConnectBurst)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(recoverPanics, logRequests(s.ips.clientIP))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix(APIPrefix).Subrouter()
	api.HandleFunc("/retrain", s.handleRetrain).Methods(http.MethodGet)
	api.HandleFunc("/token/redeem", s.handleRedeem).Methods(http.MethodPost)

	ws := api.NewRoute().Subrouter()
	if s.limiter != nil {
		ws.Use(s.limiter.middleware(s.ips.clientIP))
	}
	ws.HandleFunc("/auth", s.handleAuth).Methods(http.MethodGet)
	ws.HandleFunc("/register", s.handleRegister).Methods(http.MethodGet)
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully and
// closes every live session.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	if s.limiter != nil {
		go s.limiter.cleanup(ctx)
	}
	go s.purgeTokens(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by Shutdown.
	s.reg.Close()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) purgeTokens(ctx context.Context) {
	if s.opts.TokenTTL <= 0 {
		return
	}
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.records.PurgeTokens(ctx, s.opts.TokenTTL)
			if err != nil {
				s.log.WithError(err).Warn("Failed to purge tokens")
				continue
			}
			if n > 0 {
				s.log.Debugf("Purged %d stale token(s)", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
