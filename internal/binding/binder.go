// Package binding connects dictation sessions to form fields. It applies
// each session's outcome to the form and keeps derived fields current.
package binding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/spokendate"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

var (
	ErrUnknownField  = errors.New("unknown field")
	ErrModeMismatch  = errors.New("field bound with a different mode")
	ErrNotDictating  = errors.New("field has no active dictation")
	ErrDuplicateBind = errors.New("field already bound")
)

// Field describes a dictation target. DeriveAge names a field that receives
// the age computed from a valid date in this field.
type Field struct {
	ID        string
	Mode      dictation.Mode
	DeriveAge string
}

// Result is what the binder did with one session outcome.
type Result struct {
	SessionID string
	FieldID   string
	Mode      dictation.Mode
	Status    dictation.Status
	Cause     dictation.Cause
	Text      string
	Date      *spokendate.Candidate
	Age       *int
	// Value is the field's value after the outcome was applied.
	Value   string
	Applied bool
	Err     error
	TraceID string
}

type Option func(*Binder)

// WithSessionOptions passes options to every session the binder creates.
func WithSessionOptions(opts ...dictation.Option) Option {
	return func(b *Binder) { b.sessionOpts = append(b.sessionOpts, opts...) }
}

// WithResultHandler receives every applied result.
func WithResultHandler(fn func(Result)) Option {
	return func(b *Binder) { b.onResult = fn }
}

// WithNow sets the clock used for age derivation.
func WithNow(now func() time.Time) Option {
	return func(b *Binder) { b.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Binder) { b.logger = l }
}

// Binder owns the dictation sessions for one form. The engine is shared, so
// at most one session is live at a time; starting another supersedes it.
type Binder struct {
	engine      stt.Engine
	form        Form
	now         func() time.Time
	logger      *slog.Logger
	sessionOpts []dictation.Option
	onResult    func(Result)

	mu     sync.Mutex
	fields map[string]Field
	active *dictation.Session
}

func New(engine stt.Engine, form Form, opts ...Option) *Binder {
	b := &Binder{
		engine: engine,
		form:   form,
		now:    time.Now,
		fields: make(map[string]Field),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With(slog.String("component", "binding"))
	return b
}

// Handle controls dictation for one bound field.
type Handle struct {
	b     *Binder
	field Field
}

// Bind registers a field and returns its handle.
func (b *Binder) Bind(f Field) (*Handle, error) {
	if f.ID == "" {
		return nil, fmt.Errorf("bind: %w", ErrUnknownField)
	}
	if _, err := dictation.ParseMode(string(f.Mode)); err != nil {
		return nil, fmt.Errorf("bind %s: %w", f.ID, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.fields[f.ID]; ok {
		return nil, fmt.Errorf("bind %s: %w", f.ID, ErrDuplicateBind)
	}
	b.fields[f.ID] = f
	return &Handle{b: b, field: f}, nil
}

func (h *Handle) Field() Field { return h.field }

// Start begins a dictation session for the field.
func (h *Handle) Start(ctx context.Context) error {
	_, err := h.b.start(ctx, h.field)
	return err
}

// Stop ends the field's live session, if any.
func (h *Handle) Stop() error {
	return h.b.StopDictation(h.field.ID)
}

// Session returns the field's live session.
func (h *Handle) Session() (*dictation.Session, bool) {
	return h.b.sessionFor(h.field.ID)
}

// StartDictation starts a session for fieldID. Unbound fields are bound on
// the fly when mode is given; an empty mode uses the bound field's mode.
func (b *Binder) StartDictation(ctx context.Context, fieldID string, mode dictation.Mode) (*dictation.Session, error) {
	b.mu.Lock()
	field, ok := b.fields[fieldID]
	switch {
	case !ok && mode == "":
		b.mu.Unlock()
		return nil, fmt.Errorf("start %s: %w", fieldID, ErrUnknownField)
	case !ok:
		if _, err := dictation.ParseMode(string(mode)); err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("start %s: %w", fieldID, err)
		}
		field = Field{ID: fieldID, Mode: mode}
		b.fields[fieldID] = field
	case mode != "" && mode != field.Mode:
		b.mu.Unlock()
		return nil, fmt.Errorf("start %s as %s: %w", fieldID, mode, ErrModeMismatch)
	}
	b.mu.Unlock()
	return b.start(ctx, field)
}

// StopDictation stops the live session of fieldID.
func (b *Binder) StopDictation(fieldID string) error {
	s, ok := b.sessionFor(fieldID)
	if !ok {
		return fmt.Errorf("stop %s: %w", fieldID, ErrNotDictating)
	}
	s.Stop()
	return nil
}

// Active returns the live session, if any.
func (b *Binder) Active() (*dictation.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active, b.active != nil
}

// Close stops the live session.
func (b *Binder) Close() {
	if s, ok := b.Active(); ok {
		s.Stop()
		<-s.Done()
	}
}

func (b *Binder) sessionFor(fieldID string) (*dictation.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil || b.active.FieldID() != fieldID {
		return nil, false
	}
	return b.active, true
}

func (b *Binder) start(ctx context.Context, field Field) (*dictation.Session, error) {
	var s *dictation.Session
	opts := append([]dictation.Option{}, b.sessionOpts...)
	opts = append(opts,
		dictation.WithLogger(b.logger),
		dictation.WithOutcome(func(out dictation.Outcome) { b.finish(s, field, out) }),
	)
	s = dictation.New(b.engine, field.ID, field.Mode, opts...)

	b.mu.Lock()
	prev := b.active
	b.active = s
	b.mu.Unlock()

	if prev != nil {
		b.logger.Info("superseding dictation",
			slog.String("previous_field", prev.FieldID()),
			slog.String("field_id", field.ID),
		)
		prev.Supersede()
		<-prev.Done()
	}

	if err := s.Start(ctx); err != nil {
		return s, err
	}
	return s, nil
}

func (b *Binder) finish(s *dictation.Session, field Field, out dictation.Outcome) {
	b.mu.Lock()
	if b.active == s {
		b.active = nil
	}
	b.mu.Unlock()

	res := b.apply(field, out)
	if res.Err != nil && out.Err == nil {
		b.logger.Warn("dictation result not applied",
			slog.String("field_id", field.ID),
			slog.String("error", res.Err.Error()),
		)
	}
	if b.onResult != nil {
		b.onResult(res)
	}
}

func (b *Binder) apply(field Field, out dictation.Outcome) Result {
	res := Result{
		SessionID: out.SessionID,
		FieldID:   field.ID,
		Mode:      out.Mode,
		Status:    out.Status,
		Cause:     out.Cause,
		Text:      out.Text,
		Date:      out.Date,
		Err:       out.Err,
		TraceID:   out.TraceID,
	}
	res.Value, _ = b.form.Value(field.ID)
	if out.Err != nil {
		return res
	}

	switch {
	case out.Date != nil:
		if !out.Date.Valid {
			return res
		}
		if err := b.form.SetValue(field.ID, out.Date.ISODate); err != nil {
			res.Err = fmt.Errorf("set %s: %w", field.ID, err)
			return res
		}
		res.Value, res.Applied = out.Date.ISODate, true
		if field.DeriveAge == "" {
			return res
		}
		birth, _ := out.Date.Time()
		age := Age(birth, b.now())
		res.Age = &age
		if err := b.form.SetValue(field.DeriveAge, strconv.Itoa(age)); err != nil {
			res.Err = fmt.Errorf("set %s: %w", field.DeriveAge, err)
		}
	case out.Text != "":
		value := appendText(res.Value, out.Text)
		if err := b.form.SetValue(field.ID, value); err != nil {
			res.Err = fmt.Errorf("set %s: %w", field.ID, err)
			return res
		}
		res.Value, res.Applied = value, true
	}
	return res
}

func appendText(current, text string) string {
	if current == "" || strings.HasSuffix(current, " ") || strings.HasSuffix(current, "\n") {
		return current + text
	}
	return current + " " + text
}
