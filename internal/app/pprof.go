package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"workbot/internal/config"
	logx "workbot/pkg/logx"
)

const defaultPprofAddr = "127.0.0.1:6060"

// debugServer is the optional local listener for pprof and /healthz. Apply
// starts, moves or stops it to match the config.
type debugServer struct {
	mu   sync.Mutex
	log  logx.Logger
	srv  *http.Server
	ln   net.Listener
	addr string

	healthy atomic.Bool
}

func newDebugServer(log logx.Logger) *debugServer {
	return &debugServer{log: log.With(logx.String("comp", "pprof"))}
}

func (p *debugServer) Apply(ctx context.Context, pc *config.PprofConfig) {
	var cfg config.PprofConfig
	if pc != nil {
		cfg = *pc
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultPprofAddr
	}

	// profile knobs apply even when the listener is off
	runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !cfg.Enabled {
		p.stopLocked(ctx)
		return
	}
	if p.srv != nil && p.addr == cfg.Addr {
		return
	}
	p.stopLocked(ctx)
	p.startLocked(cfg.Addr)
}

// SetHealthy flips the /healthz answer between 200 and 503.
func (p *debugServer) SetHealthy(ok bool) { p.healthy.Store(ok) }

func (p *debugServer) startLocked(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !p.healthy.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		p.log.Warn("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 2 * time.Minute}
	p.srv, p.ln, p.addr = srv, ln, ln.Addr().String()

	bound := p.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Warn("pprof server error", logx.String("addr", bound), logx.Err(err))
		}
	}()
	p.log.Info("pprof enabled", logx.String("addr", bound))
}

func (p *debugServer) Stop(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked(ctx)
}

func (p *debugServer) stopLocked(ctx context.Context) {
	if p.srv == nil {
		return
	}
	srv, ln, addr := p.srv, p.ln, p.addr
	p.srv, p.ln, p.addr = nil, nil, ""

	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.log.Warn("pprof shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	p.log.Info("pprof disabled", logx.String("addr", addr))
}

// Addr reports the bound address, or "" when stopped.
func (p *debugServer) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}
