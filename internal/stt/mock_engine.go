package stt

import (
	"context"
	"sync"
)

// MockEngine is an in-process engine driven by its caller. It backs the
// "mock" stt mode and the package tests of every dictation consumer.
type MockEngine struct {
	ls listeners

	mu sync.Mutex

	// PermissionErr, if non-nil, is returned by RequestPermission.
	PermissionErr error
	// StartErr, if non-nil, is returned by Start.
	StartErr error

	StartCalls      int
	StopCalls       int
	PermissionCalls int
	running         bool
}

func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

func (m *MockEngine) RequestPermission(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PermissionCalls++
	return m.PermissionErr
}

func (m *MockEngine) Subscribe(l Listener) Subscription {
	return m.ls.add(l)
}

func (m *MockEngine) Start(_ context.Context) error {
	m.mu.Lock()
	m.StartCalls++
	if m.StartErr != nil {
		err := m.StartErr
		m.mu.Unlock()
		return err
	}
	m.running = true
	m.mu.Unlock()
	m.ls.start()
	return nil
}

func (m *MockEngine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls++
	m.running = false
	return nil
}

// Running reports whether Start succeeded without a later Stop.
func (m *MockEngine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Subscribers returns the number of attached listeners.
func (m *MockEngine) Subscribers() int {
	return m.ls.count()
}

// Interim delivers a non-final utterance to every subscriber.
func (m *MockEngine) Interim(text string) {
	m.ls.result(Utterance{Text: text})
}

// Final delivers a final utterance to every subscriber.
func (m *MockEngine) Final(text string) {
	m.ls.result(Utterance{Text: text, IsFinal: true, Confidence: 1})
}

// Fail reports an engine error code to every subscriber.
func (m *MockEngine) Fail(code string) {
	m.ls.fail(code)
}

// End reports that the engine stopped on its own.
func (m *MockEngine) End() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	m.ls.end()
}

var _ Engine = (*MockEngine)(nil)
