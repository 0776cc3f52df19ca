// Package admin serves a small read-only HTTP status API for taskpoold,
// optionally with net/http/pprof handlers.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"taskpool/internal/runtime/supervisor"
	logx "taskpool/pkg/logx"
)

const defaultAddr = "127.0.0.1:6061"

// Config controls the admin server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Handler produces the JSON body for a status endpoint.
type Handler func(r *http.Request) (any, error)

type Server struct {
	cfg Config
	log logx.Logger
	mux *http.ServeMux

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
	sup *supervisor.Supervisor
}

func New(cfg Config, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, log: log.With(logx.String("comp", "admin")), mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.withAuth(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	if cfg.Pprof {
		s.mux.HandleFunc("/debug/pprof/", s.withAuth(hpprof.Index))
		s.mux.HandleFunc("/debug/pprof/cmdline", s.withAuth(hpprof.Cmdline))
		s.mux.HandleFunc("/debug/pprof/profile", s.withAuth(hpprof.Profile))
		s.mux.HandleFunc("/debug/pprof/symbol", s.withAuth(hpprof.Symbol))
		s.mux.HandleFunc("/debug/pprof/trace", s.withAuth(hpprof.Trace))
	}
	return s
}

// Handle registers a GET endpoint that renders h's result as JSON.
// Register endpoints before Start.
func (s *Server) Handle(path string, h Handler) {
	s.mux.HandleFunc(path, s.withAuth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		v, err := h(r)
		if err != nil {
			s.log.Debug("admin handler failed", logx.String("path", path), logx.Err(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
	}))
}

// Handler exposes the routing table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds the listener and serves in a supervised goroutine until ctx
// ends or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !IsLoopbackAddr(s.cfg.Addr) {
		return errors.New("admin: non-loopback addr requires token or allow_insecure")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	// Admin is optional; a failing server never takes the daemon down.
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))

	s.mu.Lock()
	s.srv, s.ln, s.sup = srv, ln, sup
	s.mu.Unlock()

	sup.Go("admin.serve", func(c context.Context) error {
		go func() {
			<-c.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(sctx)
			cancel()
		}()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("admin started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""),
		logx.Bool("pprof", s.cfg.Pprof),
	)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if werr := sup.Stop(ctx); err == nil {
		err = werr
	}
	s.log.Info("admin stopped")
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Server) withAuth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if ah := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(ah, "Bearer ") {
			got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1 {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

// IsLoopbackAddr reports whether addr binds only to a loopback interface.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
