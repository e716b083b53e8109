package stt

import (
	"context"
	"fmt"
	"sync"
)

// Error codes reported by recognition engines. They follow the Web Speech
// naming so browser and native backends share one vocabulary.
const (
	CodeNotAllowed        = "not-allowed"
	CodeServiceNotAllowed = "service-not-allowed"
	CodeAudioCapture      = "audio-capture"
	CodeNoSpeech          = "no-speech"
	CodeNetwork           = "network"
	CodeAborted           = "aborted"
)

// Utterance is one transcript segment delivered by an engine.
type Utterance struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// Listener receives engine events. Implementations must not block.
type Listener interface {
	OnStart()
	OnResult(u Utterance)
	OnError(code string)
	OnEnd()
}

// Subscription detaches a Listener from an engine.
type Subscription interface {
	Unsubscribe()
}

// Engine abstracts a continuous speech recognition backend.
type Engine interface {
	// RequestPermission blocks until microphone access is granted or denied.
	// Denials are reported as *CodeError.
	RequestPermission(ctx context.Context) error
	Subscribe(l Listener) Subscription
	Start(ctx context.Context) error
	Stop() error
}

// CodeError carries an engine error code through an error return.
type CodeError struct {
	Code string
	Err  error
}

func (e *CodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stt engine %s: %v", e.Code, e.Err)
	}
	return "stt engine " + e.Code
}

func (e *CodeError) Unwrap() error { return e.Err }

// listeners is the subscriber set shared by every engine implementation.
type listeners struct {
	mu   sync.Mutex
	next int
	set  map[int]Listener
}

type subscription struct {
	once sync.Once
	fn   func()
}

func (s *subscription) Unsubscribe() { s.once.Do(s.fn) }

func (ls *listeners) add(l Listener) Subscription {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.set == nil {
		ls.set = make(map[int]Listener)
	}
	id := ls.next
	ls.next++
	ls.set[id] = l
	return &subscription{fn: func() {
		ls.mu.Lock()
		delete(ls.set, id)
		ls.mu.Unlock()
	}}
}

func (ls *listeners) snapshot() []Listener {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]Listener, 0, len(ls.set))
	for i := 0; i < ls.next; i++ {
		if l, ok := ls.set[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (ls *listeners) count() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.set)
}

func (ls *listeners) start() {
	for _, l := range ls.snapshot() {
		l.OnStart()
	}
}

func (ls *listeners) result(u Utterance) {
	for _, l := range ls.snapshot() {
		l.OnResult(u)
	}
}

func (ls *listeners) fail(code string) {
	for _, l := range ls.snapshot() {
		l.OnError(code)
	}
}

func (ls *listeners) end() {
	for _, l := range ls.snapshot() {
		l.OnEnd()
	}
}
