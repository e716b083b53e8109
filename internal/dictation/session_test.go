package dictation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/stt"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type recorder struct {
	mu          sync.Mutex
	outcomes    []Outcome
	transitions []Transition
}

func (r *recorder) outcome(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recorder) transition(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recorder) only(t *testing.T) Outcome {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) != 1 {
		t.Fatalf("expected exactly one outcome, got %d", len(r.outcomes))
	}
	return r.outcomes[0]
}

func newTestSession(t *testing.T, engine stt.Engine, mode Mode, opts ...Option) (*Session, *fakeClock, *recorder) {
	t.Helper()
	clock := newFakeClock()
	rec := &recorder{}
	base := []Option{
		WithClock(clock),
		WithMetrics(nil),
		WithOutcome(rec.outcome),
		WithTransitionHook(rec.transition),
	}
	s := New(engine, "field", mode, append(base, opts...)...)
	return s, clock, rec
}

func TestFreeTextSessionAccumulatesFinalSegments(t *testing.T) {
	engine := stt.NewMockEngine()
	s, _, rec := newTestSession(t, engine, ModeFreeText)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status() != StatusListening {
		t.Fatalf("expected listening, got %s", s.Status())
	}

	engine.Interim("hello comma")
	if s.Status() != StatusInterim || s.Interim() != "hello comma" {
		t.Fatalf("unexpected interim state %s %q", s.Status(), s.Interim())
	}
	if s.Transcript() != "" {
		t.Fatalf("interim text leaked into transcript: %q", s.Transcript())
	}

	engine.Final("hello comma world period")
	engine.Final("  second sentence ")
	engine.Final("   ")
	if s.Interim() != "" {
		t.Fatalf("interim not cleared after final: %q", s.Interim())
	}
	want := "Hello, world. Second sentence "
	if s.Transcript() != want {
		t.Fatalf("transcript = %q, want %q", s.Transcript(), want)
	}

	s.Stop()
	out := rec.only(t)
	if out.Status != StatusStopped || out.Cause != CauseUser {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Text != want || out.Date != nil || out.Err != nil {
		t.Fatalf("unexpected value %+v", out)
	}
	if engine.Subscribers() != 0 {
		t.Fatalf("subscription not released")
	}
	if engine.StopCalls != 1 {
		t.Fatalf("expected engine stop once, got %d", engine.StopCalls)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("done not closed")
	}
}

func TestDateSessionNormalizesJoinedSegments(t *testing.T) {
	engine := stt.NewMockEngine()
	s, _, rec := newTestSession(t, engine, ModeDate)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.Final("March")
	engine.Final("5th, 2024.")
	s.Stop()

	out := rec.only(t)
	if out.Date == nil || !out.Date.Valid || out.Date.ISODate != "2024-03-05" {
		t.Fatalf("unexpected date %+v", out.Date)
	}
	if out.Text != "" {
		t.Fatalf("date session produced text %q", out.Text)
	}
}

func TestDateSessionReportsInvalidCandidate(t *testing.T) {
	engine := stt.NewMockEngine()
	s, _, rec := newTestSession(t, engine, ModeDate)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.Final("sometime next spring")
	s.Stop()

	out := rec.only(t)
	if out.Err != nil || out.Date == nil || out.Date.Valid {
		t.Fatalf("expected invalid candidate without error, got %+v", out)
	}
}

func TestTimeoutTerminatesExactlyOnce(t *testing.T) {
	engine := stt.NewMockEngine()
	s, clock, rec := newTestSession(t, engine, ModeDate, WithMaxDuration(10*time.Second))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if want := clock.Now().Add(10 * time.Second); !s.Deadline().Equal(want) {
		t.Fatalf("deadline = %s, want %s", s.Deadline(), want)
	}
	engine.Final("july 4th 1990")

	clock.Advance(9 * time.Second)
	if s.Status().Terminal() {
		t.Fatalf("terminated before deadline")
	}
	clock.Advance(time.Second)

	out := rec.only(t)
	if out.Status != StatusTimedOut || out.Cause != CauseTimeout {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Date == nil || out.Date.ISODate != "1990-07-04" {
		t.Fatalf("timeout did not normalize buffer: %+v", out.Date)
	}

	s.Stop()
	engine.Final("ignored")
	engine.End()
	clock.Advance(time.Minute)
	rec.only(t)
	if engine.Subscribers() != 0 {
		t.Fatalf("subscription not released")
	}
	if engine.StopCalls != 1 {
		t.Fatalf("expected one engine stop, got %d", engine.StopCalls)
	}
}

func TestStopCancelsDeadline(t *testing.T) {
	engine := stt.NewMockEngine()
	s, clock, rec := newTestSession(t, engine, ModeFreeText)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if clock.active() != 1 {
		t.Fatalf("deadline not armed")
	}
	s.Stop()
	if clock.active() != 0 {
		t.Fatalf("deadline still armed after stop")
	}
	clock.Advance(DefaultMaxDuration)
	if out := rec.only(t); out.Status != StatusStopped {
		t.Fatalf("unexpected status %s", out.Status)
	}
}

func TestPermissionDenied(t *testing.T) {
	cases := map[string]struct {
		err  error
		want error
	}{
		"not allowed":     {&stt.CodeError{Code: stt.CodeNotAllowed}, ErrPermissionDenied},
		"service blocked": {&stt.CodeError{Code: stt.CodeServiceNotAllowed}, ErrPermissionDenied},
		"no device":       {&stt.CodeError{Code: stt.CodeAudioCapture}, ErrAudioCaptureUnavailable},
		"uncoded":         {errors.New("prompt dismissed"), ErrPermissionDenied},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			engine := stt.NewMockEngine()
			engine.PermissionErr = tc.err
			s, clock, rec := newTestSession(t, engine, ModeDate)

			err := s.Start(context.Background())
			if !errors.Is(err, tc.want) {
				t.Fatalf("start error = %v, want %v", err, tc.want)
			}
			out := rec.only(t)
			if out.Status != StatusErrored || !errors.Is(out.Err, tc.want) {
				t.Fatalf("unexpected outcome %+v", out)
			}
			if out.Date != nil || out.Text != "" {
				t.Fatalf("errored session produced a value")
			}
			if engine.StartCalls != 0 || engine.Subscribers() != 0 || clock.active() != 0 {
				t.Fatalf("engine touched after denied permission")
			}
		})
	}
}

func TestEngineErrorsAreClassified(t *testing.T) {
	cases := map[string]error{
		stt.CodeNotAllowed:   ErrPermissionDenied,
		stt.CodeAudioCapture: ErrAudioCaptureUnavailable,
		stt.CodeNoSpeech:     ErrNoSpeechDetected,
		stt.CodeNetwork:      ErrNetwork,
		"bad-grammar":        ErrNetwork,
	}
	for code, want := range cases {
		engine := stt.NewMockEngine()
		s, clock, rec := newTestSession(t, engine, ModeFreeText)
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
		engine.Final("partial note")
		engine.Fail(code)

		out := rec.only(t)
		if out.Status != StatusErrored || out.Cause != CauseError {
			t.Fatalf("%s: unexpected outcome %+v", code, out)
		}
		if !errors.Is(out.Err, want) {
			t.Fatalf("%s: error %v, want %v", code, out.Err, want)
		}
		if out.Text != "" {
			t.Fatalf("%s: errored session emitted text %q", code, out.Text)
		}
		if engine.Subscribers() != 0 || clock.active() != 0 {
			t.Fatalf("%s: resources not released", code)
		}

		engine.Fail(code)
		rec.only(t)
	}
}

func TestAbortedStopsWithValue(t *testing.T) {
	engine := stt.NewMockEngine()
	s, _, rec := newTestSession(t, engine, ModeFreeText)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.Final("keep this")
	engine.Fail(stt.CodeAborted)

	out := rec.only(t)
	if out.Status != StatusStopped || out.Cause != CauseAborted || out.Err != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Text != "Keep this " {
		t.Fatalf("text = %q", out.Text)
	}
	if engine.StopCalls != 0 {
		t.Fatalf("aborted engine was stopped again")
	}
}

func TestEngineEndStopsSession(t *testing.T) {
	engine := stt.NewMockEngine()
	s, _, rec := newTestSession(t, engine, ModeDate)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.Final("tomorrow")
	engine.End()

	out := rec.only(t)
	if out.Status != StatusStopped || out.Cause != CauseEngineEnd {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Date == nil || out.Date.ISODate != "2024-03-11" {
		t.Fatalf("unexpected date %+v", out.Date)
	}
	if engine.Subscribers() != 0 {
		t.Fatalf("subscription not released")
	}
}

func TestEngineStartFailure(t *testing.T) {
	engine := stt.NewMockEngine()
	engine.StartErr = &stt.CodeError{Code: stt.CodeAudioCapture, Err: errors.New("device busy")}
	s, clock, rec := newTestSession(t, engine, ModeFreeText)

	err := s.Start(context.Background())
	if !errors.Is(err, ErrAudioCaptureUnavailable) {
		t.Fatalf("unexpected error %v", err)
	}
	if out := rec.only(t); out.Status != StatusErrored {
		t.Fatalf("unexpected status %s", out.Status)
	}
	if engine.Subscribers() != 0 || clock.active() != 0 {
		t.Fatalf("resources not released")
	}
}

func TestTransitionsFollowEventOrder(t *testing.T) {
	engine := stt.NewMockEngine()
	s, _, rec := newTestSession(t, engine, ModeFreeText)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.Interim("hel")
	engine.Interim("hello")
	engine.Final("hello")
	s.Stop()

	want := [][2]Status{
		{StatusIdle, StatusListening},
		{StatusListening, StatusInterim},
		{StatusInterim, StatusInterim},
		{StatusInterim, StatusFinalizing},
		{StatusFinalizing, StatusListening},
		{StatusListening, StatusStopped},
	}
	if len(rec.transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %+v", len(want), len(rec.transitions), rec.transitions)
	}
	for i, tr := range rec.transitions {
		if tr.From != want[i][0] || tr.To != want[i][1] {
			t.Fatalf("transition %d = %s->%s, want %s->%s", i, tr.From, tr.To, want[i][0], want[i][1])
		}
		if tr.SessionID != s.ID() || tr.FieldID != "field" {
			t.Fatalf("transition %d not attributed to session", i)
		}
	}
	if rec.transitions[2].Interim != "hello" {
		t.Fatalf("interim text not reported: %q", rec.transitions[2].Interim)
	}
}

func TestStartTwice(t *testing.T) {
	engine := stt.NewMockEngine()
	s, _, _ := newTestSession(t, engine, ModeFreeText)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	s.Stop()
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("restart after stop: %v", err)
	}
	if engine.PermissionCalls != 1 {
		t.Fatalf("permission requested %d times", engine.PermissionCalls)
	}
}

func TestStopBeforeStartHasNoValue(t *testing.T) {
	engine := stt.NewMockEngine()
	s, _, rec := newTestSession(t, engine, ModeDate)
	s.Stop()
	out := rec.only(t)
	if out.Status != StatusStopped || out.Date != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if engine.StopCalls != 0 {
		t.Fatalf("idle stop touched the engine")
	}
}

func TestStopRacingDeadline(t *testing.T) {
	for i := 0; i < 50; i++ {
		engine := stt.NewMockEngine()
		var mu sync.Mutex
		count := 0
		s := New(engine, "note", ModeFreeText,
			WithMetrics(nil),
			WithMaxDuration(time.Millisecond),
			WithOutcome(func(Outcome) {
				mu.Lock()
				count++
				mu.Unlock()
			}),
		)
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
		go s.Stop()
		go engine.Final("racing")

		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("session never terminated")
		}
		mu.Lock()
		if count != 1 {
			t.Fatalf("expected one outcome, got %d", count)
		}
		mu.Unlock()
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("free_text"); err != nil || m != ModeFreeText {
		t.Fatalf("unexpected %v %v", m, err)
	}
	if _, err := ParseMode("voice"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestTransitionTable(t *testing.T) {
	live := []Status{StatusListening, StatusInterim, StatusFinalizing}
	for _, from := range live {
		for _, to := range []Status{StatusStopped, StatusTimedOut, StatusErrored} {
			if !canTransition(from, to) {
				t.Fatalf("%s -> %s should be allowed", from, to)
			}
		}
	}
	for _, from := range []Status{StatusStopped, StatusTimedOut, StatusErrored} {
		for _, to := range append(live, StatusIdle, StatusStopped) {
			if canTransition(from, to) {
				t.Fatalf("%s is terminal but allows %s", from, to)
			}
		}
	}
	if canTransition(StatusIdle, StatusTimedOut) || canTransition(StatusIdle, StatusInterim) {
		t.Fatalf("idle must reach listening first")
	}
}
