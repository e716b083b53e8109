package stt

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder is a Listener that keeps every event as a short string.
type recorder struct {
	mu     sync.Mutex
	events []string
	ended  chan struct{}
	once   sync.Once
}

func newRecorder() *recorder {
	return &recorder{ended: make(chan struct{})}
}

func (r *recorder) add(evt string) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) OnStart() { r.add("start") }

func (r *recorder) OnResult(u Utterance) {
	kind := "interim"
	if u.IsFinal {
		kind = "final"
	}
	r.add(fmt.Sprintf("%s:%s", kind, u.Text))
}

func (r *recorder) OnError(code string) { r.add("error:" + code) }

func (r *recorder) OnEnd() {
	r.add("end")
	r.once.Do(func() { close(r.ended) })
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) waitEnd(t *testing.T) {
	t.Helper()
	select {
	case <-r.ended:
	case <-time.After(5 * time.Second):
		t.Fatalf("no end event, got %v", r.snapshot())
	}
}

func expectEvents(t *testing.T, got, want []string) {
	t.Helper()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListenersFanOutInSubscribeOrder(t *testing.T) {
	var ls listeners
	var order []string
	mk := func(name string) Listener {
		return listenerFunc(func() { order = append(order, name) })
	}
	ls.add(mk("a"))
	sub := ls.add(mk("b"))
	ls.add(mk("c"))

	ls.start()
	sub.Unsubscribe()
	sub.Unsubscribe()
	ls.start()

	expectEvents(t, order, []string{"a", "b", "c", "a", "c"})
	if ls.count() != 2 {
		t.Fatalf("count = %d, want 2", ls.count())
	}
}

type listenerFunc func()

func (f listenerFunc) OnStart()           { f() }
func (f listenerFunc) OnResult(Utterance) {}
func (f listenerFunc) OnError(string)     {}
func (f listenerFunc) OnEnd()             {}

func TestMockEngine(t *testing.T) {
	m := NewMockEngine()
	rec := newRecorder()
	sub := m.Subscribe(rec)
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Interim("hel")
	m.Final("hello")
	m.Fail(CodeNoSpeech)
	m.End()
	sub.Unsubscribe()
	m.Final("ignored")

	expectEvents(t, rec.snapshot(), []string{"start", "interim:hel", "final:hello", "error:no-speech", "end"})
	if m.Running() || m.Subscribers() != 0 || m.StartCalls != 1 {
		t.Fatalf("unexpected mock state running=%v subs=%d starts=%d", m.Running(), m.Subscribers(), m.StartCalls)
	}
}

func TestCodeError(t *testing.T) {
	err := &CodeError{Code: CodeAudioCapture, Err: io.EOF}
	if err.Error() != "stt engine audio-capture: EOF" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if (&CodeError{Code: CodeNetwork}).Error() != "stt engine network" {
		t.Fatalf("unexpected bare message")
	}
}
