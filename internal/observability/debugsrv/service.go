// Package debugsrv serves pprof and a JSON view of the trigger loops.
package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "timertrigger/internal/runtime/supervisor"
	"timertrigger/internal/storage"
	"timertrigger/internal/trigger"
	logx "timertrigger/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the debug HTTP server.
//
// Binding to a non-loopback address requires Token.
type Config struct {
	Addr  string
	Token string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Snapshotter is satisfied by *trigger.Scheduler.
type Snapshotter interface {
	Snapshot() trigger.Snapshot
}

type Service struct {
	cfg     Config
	log     logx.Logger
	snap    Snapshotter
	history storage.Store

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

type Option func(*Service)

// WithHistory enables /debug/ticks backed by st.
func WithHistory(st storage.Store) Option { return func(s *Service) { s.history = st } }

func New(cfg Config, log logx.Logger, snap Snapshotter, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, log: log.With(logx.String("comp", "debugsrv")), snap: snap}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Start binds the listener and serves in the background. It is a no-op when
// already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		return errors.New("debug server refused to start: non-loopback addr requires token")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.ln, s.srv, s.sup = ln, srv, sup

	sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if c.Err() != nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	sup.Go("http.shutdown", func(c context.Context) error {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		return nil
	})

	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

// Addr returns the bound address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.ln, s.srv, s.sup = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	sup.Cancel()
	if werr := sup.Wait(ctx); err == nil {
		err = werr
	}
	s.log.Info("debug server stopped")
	return err
}

// Handler exposes the routes without a listener.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }

	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("GET /debug/triggers", wrap(s.handleTriggers))
	mux.HandleFunc("GET /debug/ticks", wrap(s.handleTicks))

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

func (s *Service) handleTriggers(w http.ResponseWriter, r *http.Request) {
	if s.snap == nil {
		http.Error(w, "scheduler not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.snap.Snapshot())
}

func (s *Service) handleTicks(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "tick history disabled", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 1000)
	}
	ticks, err := s.history.RecentTicks(r.Context(), q.Get("component"), limit)
	if err != nil {
		s.log.Warn("tick history query failed", logx.Err(err))
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	if ticks == nil {
		ticks = []storage.TickRecord{}
	}
	writeJSON(w, ticks)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Authorization: Bearer <token> or ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" && got == tok {
			h(w, r)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
