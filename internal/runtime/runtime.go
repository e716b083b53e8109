package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/binding"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/intake"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
	"github.com/loqalabs/loqa-dictation/internal/punctuation"
	"github.com/loqalabs/loqa-dictation/internal/spokendate"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

const retentionInterval = time.Hour

type Runtime struct {
	cfg      config.Config
	version  string
	logger   *slog.Logger
	traceOut io.Writer

	servers     []*http.Server
	addr        atomic.Value
	metricsAddr atomic.Value
	ready       atomic.Bool
	wg          sync.WaitGroup

	bus     *bus.Client
	store   *eventstore.Store
	form    *binding.MemoryForm
	binder  *binding.Binder
	service *intake.Service
}

type Option func(*Runtime)

// WithTraceOutput redirects the stdout trace exporter.
func WithTraceOutput(w io.Writer) Option {
	return func(r *Runtime) { r.traceOut = w }
}

func New(cfg config.Config, version string, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		version:  version,
		logger:   logger,
		traceOut: os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Addr returns the HTTP listen address once the runtime is serving.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// MetricsAddr returns the dedicated Prometheus listen address, if any.
func (r *Runtime) MetricsAddr() string {
	addr, _ := r.metricsAddr.Load().(string)
	return addr
}

// Start brings up every component, serves until ctx is done and then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.version, r.traceOut, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if terr := tel.shutdown(shutdownCtx); terr != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", terr.Error()))
		}
	}()

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return err
	}
	if embedded != nil {
		closers = append(closers, embedded.Shutdown)
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	closers = append(closers, r.bus.Close)

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	closers = append(closers, func() {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	})

	engine, err := newEngine(r.cfg.STT, r.bus, r.logger)
	if err != nil {
		return err
	}

	r.service = intake.NewService(context.WithoutCancel(ctx), r.bus, r.store, r.logger)
	r.form = binding.NewMemoryForm(nil)
	r.binder, err = newBinder(r.cfg.Dictation, engine, r.form, r.service, r.logger)
	if err != nil {
		return err
	}
	if err := r.service.Start(r.binder); err != nil {
		return fmt.Errorf("start intake service: %w", err)
	}
	closers = append(closers, r.service.Close, r.binder.Close)

	retentionCtx, stopRetention := context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.store.RunRetention(retentionCtx, retentionInterval)
	}()
	closers = append(closers, func() {
		stopRetention()
		r.wg.Wait()
	})

	closers = append(closers, r.stopHTTP)
	if err := r.serveHTTP(tel.metrics); err != nil {
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.Int("fields", len(r.cfg.Dictation.Fields)),
	)

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) serveHTTP(metrics http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/form", r.handleForm)
	mux.Handle("/metrics", metrics)

	srv, addr, err := r.listen(fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port), mux)
	if err != nil {
		return err
	}
	r.addr.Store(addr)
	r.servers = append(r.servers, srv)

	// A dedicated scrape listener keeps Prometheus off the public port.
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics)
		srv, addr, err := r.listen(bind, metricsMux)
		if err != nil {
			return err
		}
		r.metricsAddr.Store(addr)
		r.servers = append(r.servers, srv)
	}
	return nil
}

func (r *Runtime) listen(addr string, handler http.Handler) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", ln.Addr().String()), slog.String("error", err.Error()))
		}
	}()
	return srv, ln.Addr().String(), nil
}

func (r *Runtime) stopHTTP() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range r.servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
}

// newEngine selects the recognition backend for the configured mode.
func newEngine(cfg config.STTConfig, busClient *bus.Client, logger *slog.Logger) (stt.Engine, error) {
	switch cfg.Mode {
	case "mock":
		return stt.NewMockEngine(), nil
	case "bus":
		return stt.NewBusEngine(cfg, busClient, logger), nil
	case "exec":
		engine, err := stt.NewExecEngine(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("create exec engine: %w", err)
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func newBinder(cfg config.DictationConfig, engine stt.Engine, form binding.Form, svc *intake.Service, logger *slog.Logger) (*binding.Binder, error) {
	lexicon := spokendate.Lexicon{}
	if cfg.FuzzyMonths {
		lexicon = spokendate.FuzzyLexicon(cfg.FuzzyThreshold)
	}
	sessionOpts := append(svc.SessionOptions(),
		dictation.WithMaxDuration(time.Duration(cfg.MaxSessionMS)*time.Millisecond),
		dictation.WithDateNormalizer(spokendate.New(spokendate.WithLexicon(lexicon))),
		dictation.WithPunctuation(punctuation.New(cfg.Language)),
	)
	binder := binding.New(engine, form,
		binding.WithLogger(logger),
		binding.WithResultHandler(svc.HandleResult),
		binding.WithSessionOptions(sessionOpts...),
	)
	for _, f := range cfg.Fields {
		mode, err := dictation.ParseMode(f.Mode)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.ID, err)
		}
		if _, err := binder.Bind(binding.Field{ID: f.ID, Mode: mode, DeriveAge: f.DeriveAge}); err != nil {
			return nil, err
		}
	}
	return binder, nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.service.Healthy() && r.store.Ping(req.Context()) == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type formView struct {
	Values map[string]string `json:"values"`
	Active *activeView       `json:"active,omitempty"`
}

type activeView struct {
	SessionID string `json:"session_id"`
	FieldID   string `json:"field_id"`
	Status    string `json:"status"`
	Interim   string `json:"interim,omitempty"`
}

// handleForm reports current field values and the live session.
func (r *Runtime) handleForm(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	view := formView{Values: r.form.Snapshot()}
	if s, ok := r.binder.Active(); ok {
		view.Active = &activeView{
			SessionID: s.ID(),
			FieldID:   s.FieldID(),
			Status:    string(s.Status()),
			Interim:   s.Interim(),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		r.logger.Warn("encode form view failed", slog.String("error", err.Error()))
	}
}
