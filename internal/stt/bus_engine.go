package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/nats-io/nats.go"
)

const sttSubjects = "stt.>"

// BusEngine consumes transcripts published by an upstream recognizer on the
// bus for a single audio source session.
type BusEngine struct {
	ls     listeners
	cfg    config.STTConfig
	bus    *bus.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewBusEngine(cfg config.STTConfig, busClient *bus.Client, log *slog.Logger) *BusEngine {
	return &BusEngine{
		cfg:    cfg,
		bus:    busClient,
		logger: log.With(slog.String("component", "stt-bus")),
	}
}

func (b *BusEngine) RequestPermission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.bus.Healthy() {
		return &CodeError{Code: CodeNetwork, Err: errors.New("bus not connected")}
	}
	return nil
}

func (b *BusEngine) Subscribe(l Listener) Subscription {
	return b.ls.add(l)
}

func (b *BusEngine) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) > 0 {
		return errors.New("stt bus engine already running")
	}

	// One subscription keeps transcripts, errors and end in publish order.
	conn := b.bus.Conn()
	sub, err := conn.Subscribe(sttSubjects, b.handle)
	if err != nil {
		return &CodeError{Code: CodeNetwork, Err: fmt.Errorf("subscribe %s: %w", sttSubjects, err)}
	}
	b.subs = append(b.subs, sub)

	if err := b.publishControl(protocol.SubjectSTTControlStart); err != nil {
		b.unsubscribeLocked()
		return &CodeError{Code: CodeNetwork, Err: err}
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		b.logger.Warn("flush after stt start failed", slogError(err))
	}
	b.ls.start()
	return nil
}

func (b *BusEngine) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) == 0 {
		return nil
	}
	b.unsubscribeLocked()
	return b.publishControl(protocol.SubjectSTTControlStop)
}

func (b *BusEngine) unsubscribeLocked() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}

func (b *BusEngine) publishControl(subject string) error {
	msg := protocol.STTControl{
		SessionID: b.cfg.Source,
		Language:  b.cfg.Language,
		Interim:   b.cfg.PublishInterim,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.bus.Conn().Publish(subject, data)
}

func (b *BusEngine) accepts(sessionID string) bool {
	return b.cfg.Source == "" || sessionID == b.cfg.Source
}

func (b *BusEngine) handle(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal:
		b.handleTranscript(msg)
	case protocol.SubjectSTTError:
		b.handleError(msg)
	case protocol.SubjectSTTEnd:
		b.handleEnd(msg)
	}
}

func (b *BusEngine) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		b.logger.Warn("failed to decode transcript", slogError(err))
		return
	}
	if !b.accepts(transcript.SessionID) || transcript.Text == "" {
		return
	}
	b.ls.result(Utterance{
		Text:       transcript.Text,
		IsFinal:    !transcript.Partial,
		Confidence: transcript.Confidence,
	})
}

func (b *BusEngine) handleError(msg *nats.Msg) {
	var report protocol.STTError
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		b.logger.Warn("failed to decode stt error", slogError(err))
		return
	}
	if !b.accepts(report.SessionID) {
		return
	}
	b.ls.fail(report.Code)
}

func (b *BusEngine) handleEnd(msg *nats.Msg) {
	var end protocol.STTEnd
	if err := json.Unmarshal(msg.Data, &end); err != nil {
		b.logger.Warn("failed to decode stt end", slogError(err))
		return
	}
	if !b.accepts(end.SessionID) {
		return
	}
	b.ls.end()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

var _ Engine = (*BusEngine)(nil)
