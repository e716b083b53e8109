// Package dictation runs one voice dictation session per form field: it
// owns the recognition subscription, the session deadline and the
// accumulated transcript, and turns the engine's event stream into exactly
// one outcome.
package dictation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dictation/internal/punctuation"
	"github.com/loqalabs/loqa-dictation/internal/spokendate"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

// DefaultMaxDuration bounds a session that is never stopped.
const DefaultMaxDuration = 30 * time.Second

// Mode selects how finalized speech is interpreted.
type Mode string

const (
	ModeDate     Mode = "date"
	ModeFreeText Mode = "free_text"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDate, ModeFreeText:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown dictation mode %q", s)
	}
}

type Status string

const (
	StatusIdle       Status = "idle"
	StatusListening  Status = "listening"
	StatusInterim    Status = "interim"
	StatusFinalizing Status = "finalizing"
	StatusStopped    Status = "stopped"
	StatusTimedOut   Status = "timed_out"
	StatusErrored    Status = "errored"
)

// Terminal reports whether no further transitions leave s.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusTimedOut || s == StatusErrored
}

var transitions = map[Status][]Status{
	StatusIdle:       {StatusListening, StatusStopped, StatusErrored},
	StatusListening:  {StatusInterim, StatusFinalizing, StatusStopped, StatusTimedOut, StatusErrored},
	StatusInterim:    {StatusInterim, StatusFinalizing, StatusStopped, StatusTimedOut, StatusErrored},
	StatusFinalizing: {StatusListening, StatusStopped, StatusTimedOut, StatusErrored},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cause records why a session terminated.
type Cause string

const (
	CauseUser       Cause = "user"
	CauseTimeout    Cause = "timeout"
	CauseEngineEnd  Cause = "engine_end"
	CauseAborted    Cause = "aborted"
	CauseSuperseded Cause = "superseded"
	CauseError      Cause = "error"
)

// Transition is reported for every status change.
type Transition struct {
	SessionID string
	FieldID   string
	Mode      Mode
	From      Status
	To        Status
	Interim   string
	At        time.Time
}

// Outcome is the single terminal report of a session. Errored sessions
// carry Err and no value. Date sessions carry Date, free text sessions
// carry Text.
type Outcome struct {
	SessionID string
	FieldID   string
	Mode      Mode
	Status    Status
	Cause     Cause
	Text      string
	Date      *spokendate.Candidate
	Err       error
	TraceID   string
	StartedAt time.Time
	EndedAt   time.Time
}

type Option func(*Session)

func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithMaxDuration sets the deadline measured from the start of listening.
// Non-positive durations keep the default.
func WithMaxDuration(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.maxDuration = d
		}
	}
}

func WithDateNormalizer(n *spokendate.Normalizer) Option {
	return func(s *Session) { s.dates = n }
}

func WithPunctuation(n *punctuation.Normalizer) Option {
	return func(s *Session) { s.punct = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics overrides the instruments; nil disables metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithOutcome registers the terminal callback. It runs exactly once.
func WithOutcome(fn func(Outcome)) Option {
	return func(s *Session) { s.onOutcome = fn }
}

// WithTransitionHook registers a callback for every status change.
func WithTransitionHook(fn func(Transition)) Option {
	return func(s *Session) { s.onTransition = fn }
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session is one capture for one field. Engine events, Stop and the
// deadline timer may arrive from any goroutine; they are applied one at a
// time and callbacks are delivered in the order the changes happened.
// Callbacks must not call back into the session.
type Session struct {
	id          string
	fieldID     string
	mode        Mode
	engine      stt.Engine
	clock       Clock
	maxDuration time.Duration
	dates       *spokendate.Normalizer
	punct       *punctuation.Normalizer
	logger      *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer

	onOutcome    func(Outcome)
	onTransition func(Transition)

	mu        sync.Mutex
	status    Status
	buffer    []string
	interim   string
	startedAt time.Time
	starting  bool
	sub       stt.Subscription
	timer     Timer
	traceCtx  context.Context
	pending   []func()
	done      chan struct{}

	// emitMu is taken before mu is released so callbacks keep state order.
	emitMu sync.Mutex
}

// New prepares an idle session for fieldID.
func New(engine stt.Engine, fieldID string, mode Mode, opts ...Option) *Session {
	s := &Session{
		id:          uuid.NewString(),
		fieldID:     fieldID,
		mode:        mode,
		engine:      engine,
		clock:       realClock{},
		maxDuration: DefaultMaxDuration,
		metrics:     DefaultMetrics(),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-dictation/dictation"),
		status:      StatusIdle,
		traceCtx:    context.Background(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.dates == nil {
		s.dates = spokendate.New(spokendate.WithClock(s.clock.Now))
	}
	if s.punct == nil {
		s.punct = punctuation.New("en")
	}
	s.logger = s.logger.With(
		slog.String("session_id", s.id),
		slog.String("field_id", fieldID),
		slog.String("mode", string(mode)),
	)
	return s
}

func (s *Session) ID() string      { return s.id }
func (s *Session) FieldID() string { return s.fieldID }
func (s *Session) Mode() Mode      { return s.mode }

// Done is closed once the session has terminated and its outcome has been
// delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Interim returns the latest provisional hypothesis. It is display only and
// never part of the transcript.
func (s *Session) Interim() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interim
}

// Transcript returns the finalized speech accumulated so far.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinLocked()
}

// Deadline returns when the session times out, or the zero time before it
// starts listening.
func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return time.Time{}
	}
	return s.startedAt.Add(s.maxDuration)
}

// Start requests microphone permission, subscribes to the engine, arms the
// deadline and starts recognition. A denied permission terminates the
// session as Errored and is also returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusIdle || s.starting {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.starting = true
	s.traceCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	permErr := s.engine.RequestPermission(ctx)

	s.mu.Lock()
	if s.status != StatusIdle {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if permErr != nil {
		e := classifyErr(permErr, KindPermissionDenied)
		s.logger.Warn("microphone permission failed", slog.String("error", e.Error()))
		s.finishLocked(StatusErrored, CauseError, e)
		s.release(false)
		return e
	}
	s.sub = s.engine.Subscribe(listener{s})
	s.startedAt = s.clock.Now()
	s.timer = s.clock.AfterFunc(s.maxDuration, s.expire)
	s.transitionLocked(StatusListening)
	s.metrics.started(s.traceCtx, s.mode)
	s.logger.Info("dictation started", slog.Duration("max_duration", s.maxDuration))
	s.release(false)

	if err := s.engine.Start(ctx); err != nil {
		e := classifyErr(err, KindAudioCaptureUnavailable)
		s.fail(e)
		return e
	}
	return nil
}

// Stop ends the session at the user's request and emits the accumulated
// value. Stopping a terminated session is a no-op.
func (s *Session) Stop() {
	s.terminate(StatusStopped, CauseUser, true)
}

// Supersede ends the session because another session took over its field.
func (s *Session) Supersede() {
	s.terminate(StatusStopped, CauseSuperseded, true)
}

func (s *Session) expire() {
	s.terminate(StatusTimedOut, CauseTimeout, true)
}

func (s *Session) terminate(status Status, cause Cause, stopEngine bool) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	wasLive := s.status != StatusIdle
	s.finishLocked(status, cause, nil)
	s.release(stopEngine && wasLive)
}

func (s *Session) fail(e *Error) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.logger.Warn("dictation failed",
		slog.String("error", e.Error()),
		slog.String("kind", string(e.Kind)),
	)
	s.finishLocked(StatusErrored, CauseError, e)
	s.release(true)
}

// release hands the queued callbacks to the emit lock, drops mu, optionally
// stops the engine and then delivers the callbacks.
func (s *Session) release(stopEngine bool) {
	queued := s.pending
	s.pending = nil
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()

	if stopEngine {
		if err := s.engine.Stop(); err != nil {
			s.logger.Warn("engine stop failed", slog.String("error", err.Error()))
		}
	}
	for _, fn := range queued {
		fn()
	}
}

func (s *Session) transitionLocked(to Status) bool {
	from := s.status
	if !canTransition(from, to) {
		s.logger.Error("invalid dictation transition",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return false
	}
	s.status = to
	if s.onTransition != nil {
		tr := Transition{
			SessionID: s.id,
			FieldID:   s.fieldID,
			Mode:      s.mode,
			From:      from,
			To:        to,
			Interim:   s.interim,
			At:        s.clock.Now(),
		}
		hook := s.onTransition
		s.pending = append(s.pending, func() { hook(tr) })
	}
	return true
}

// finishLocked is the only path into a terminal status. It releases the
// subscription and timer, derives the value and queues the outcome.
func (s *Session) finishLocked(status Status, cause Cause, err *Error) {
	wasLive := s.status != StatusIdle
	s.interim = ""
	if !s.transitionLocked(status) {
		return
	}
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	out := Outcome{
		SessionID: s.id,
		FieldID:   s.fieldID,
		Mode:      s.mode,
		Status:    status,
		Cause:     cause,
		StartedAt: s.startedAt,
		EndedAt:   s.clock.Now(),
	}
	if sc := trace.SpanContextFromContext(s.traceCtx); sc.HasTraceID() {
		out.TraceID = sc.TraceID().String()
	}
	if err != nil {
		out.Err = err
	} else if wasLive {
		s.valueLocked(&out)
	}
	s.metrics.ended(s.traceCtx, out, wasLive)
	s.logger.Info("dictation ended",
		slog.String("status", string(status)),
		slog.String("cause", string(cause)),
	)
	if s.onOutcome != nil {
		fn := s.onOutcome
		s.pending = append(s.pending, func() { fn(out) })
	}
	s.pending = append(s.pending, func() { close(s.done) })
}

func (s *Session) valueLocked(out *Outcome) {
	switch s.mode {
	case ModeDate:
		_, span := s.tracer.Start(s.traceCtx, "dictation.finalize",
			trace.WithAttributes(
				attribute.String("dictation.session_id", s.id),
				attribute.String("dictation.field_id", s.fieldID),
			))
		c := s.dates.Normalize(s.joinLocked())
		span.SetAttributes(
			attribute.String("dictation.rule", c.Rule),
			attribute.Bool("dictation.valid", c.Valid),
		)
		if !c.Valid {
			span.SetStatus(codes.Error, string(c.Failure))
		}
		span.End()
		out.Date = &c
	default:
		out.Text = s.joinLocked()
	}
}

func (s *Session) joinLocked() string {
	if s.mode == ModeDate {
		return strings.Join(s.buffer, " ")
	}
	return strings.Join(s.buffer, "")
}

func (s *Session) onResult(u stt.Utterance) {
	s.mu.Lock()
	if s.status == StatusIdle || s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	if !u.IsFinal {
		s.interim = u.Text
		s.transitionLocked(StatusInterim)
		s.release(false)
		return
	}

	s.interim = ""
	s.transitionLocked(StatusFinalizing)
	if seg := strings.TrimSpace(u.Text); seg != "" {
		switch s.mode {
		case ModeDate:
			s.buffer = append(s.buffer, seg)
		default:
			if written := s.punct.Normalize(seg); written != "" {
				s.buffer = append(s.buffer, written+" ")
			}
		}
	}
	s.transitionLocked(StatusListening)
	s.release(false)
}

func (s *Session) onError(code string) {
	e := Classify(code)
	if e.Kind == KindAborted {
		s.terminate(StatusStopped, CauseAborted, false)
		return
	}
	s.fail(e)
}

// listener adapts engine callbacks onto the session.
type listener struct{ s *Session }

func (l listener) OnStart() {
	l.s.logger.Debug("engine capturing")
}

func (l listener) OnResult(u stt.Utterance) { l.s.onResult(u) }

func (l listener) OnError(code string) { l.s.onError(code) }

func (l listener) OnEnd() {
	l.s.terminate(StatusStopped, CauseEngineEnd, false)
}
