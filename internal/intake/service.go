// Package intake exposes the field binder over the bus. The form UI sends
// start and stop requests; the service publishes every status change and
// result, and journals each session in the event store.
package intake

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-dictation/internal/binding"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
)

// ResultStream retains published results for late consumers.
const ResultStream = "DICTATION_RESULTS"

const journalBuffer = 256

type Service struct {
	bus    *bus.Client
	store  *eventstore.Store
	logger *slog.Logger
	tracer trace.Tracer

	binder *binding.Binder
	subs   []*nats.Subscription

	journal chan func(context.Context)
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(parent context.Context, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:     busClient,
		store:   store,
		logger:  logger.With(slog.String("component", "intake")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-dictation/intake"),
		journal: make(chan func(context.Context), journalBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SessionOptions wires session transitions into the service. Pass them to
// the binder before calling Start.
func (s *Service) SessionOptions() []dictation.Option {
	return []dictation.Option{dictation.WithTransitionHook(s.HandleTransition)}
}

// Start begins serving requests for binder.
func (s *Service) Start(binder *binding.Binder) error {
	s.binder = binder

	if err := s.bus.EnsureStream(ResultStream, []string{protocol.SubjectDictationResult}, 7*24*time.Hour); err != nil {
		s.logger.Warn("result stream unavailable, results are not retained", slogError(err))
	}

	s.wg.Add(1)
	go s.runJournal()

	handlers := []struct {
		subject string
		fn      nats.MsgHandler
	}{
		{protocol.SubjectDictationStart, s.handleStart},
		{protocol.SubjectDictationStop, s.handleStop},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.fn)
		if err != nil {
			s.Close()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return s.bus.Conn().Flush()
}

// Close stops accepting requests and flushes the journal.
func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return len(s.subs) == 2 && s.bus.Healthy()
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.DictationStart
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode dictation start", slogError(err))
		s.reply(msg, protocol.DictationReply{Error: "malformed request"})
		return
	}

	ctx, span := s.tracer.Start(s.ctx, "dictation.start", trace.WithAttributes(
		attribute.String("dictation.field_id", req.FieldID),
		attribute.String("dictation.mode", req.Mode),
	))
	defer span.End()

	session, err := s.binder.StartDictation(ctx, req.FieldID, dictation.Mode(req.Mode))
	reply := protocol.DictationReply{OK: err == nil}
	if session != nil {
		reply.SessionID = session.ID()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		reply.Error = err.Error()
		s.logger.Warn("dictation start failed",
			slog.String("field_id", req.FieldID),
			slogError(err),
		)
	}
	s.reply(msg, reply)
}

func (s *Service) handleStop(msg *nats.Msg) {
	var req protocol.DictationStop
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode dictation stop", slogError(err))
		s.reply(msg, protocol.DictationReply{Error: "malformed request"})
		return
	}
	reply := protocol.DictationReply{OK: true}
	if err := s.binder.StopDictation(req.FieldID); err != nil {
		reply = protocol.DictationReply{Error: err.Error()}
	}
	s.reply(msg, reply)
}

func (s *Service) reply(msg *nats.Msg, reply protocol.DictationReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

// HandleTransition publishes a status change and journals it.
func (s *Service) HandleTransition(tr dictation.Transition) {
	status := protocol.DictationStatus{
		SessionID: tr.SessionID,
		FieldID:   tr.FieldID,
		From:      string(tr.From),
		To:        string(tr.To),
		Interim:   tr.Interim,
		Timestamp: tr.At.UTC(),
	}
	data, err := json.Marshal(status)
	if err != nil {
		s.logger.Warn("failed to encode status", slogError(err))
		return
	}
	s.publish(protocol.SubjectDictationStatus, data)

	first := tr.From == dictation.StatusIdle
	s.enqueue(func(ctx context.Context) {
		if first {
			if err := s.store.OpenSession(ctx, eventstore.Session{ID: tr.SessionID, FieldID: tr.FieldID, Mode: string(tr.Mode), CreatedAt: tr.At}); err != nil {
				s.logger.Warn("journal open failed", slogError(err))
			}
		}
		if err := s.store.AppendEvent(ctx, eventstore.Event{
			SessionID: tr.SessionID,
			Type:      "transition",
			Payload:   data,
			CreatedAt: tr.At,
		}); err != nil {
			s.logger.Warn("journal transition failed", slogError(err))
		}
	})
}

// HandleResult publishes the applied result of a session and closes its
// journal entry.
func (s *Service) HandleResult(res binding.Result) {
	msg := protocol.DictationResult{
		SessionID: res.SessionID,
		FieldID:   res.FieldID,
		Status:    string(res.Status),
		Cause:     string(res.Cause),
		Text:      res.Text,
		Valid:     res.Applied,
		Age:       res.Age,
		Timestamp: time.Now().UTC(),
	}
	if res.Date != nil {
		msg.ISODate = res.Date.ISODate
		msg.Valid = res.Date.Valid
		if !res.Date.Valid {
			msg.ErrorKind = string(dictation.KindParseFailure)
			msg.Error = dictation.ErrParseFailure.Error()
		}
	}
	if res.Err != nil {
		msg.Valid = false
		msg.Error = res.Err.Error()
		msg.ErrorKind = string(dictation.KindOf(res.Err))
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("failed to encode result", slogError(err))
		return
	}
	s.publish(protocol.SubjectDictationResult, data)

	s.enqueue(func(ctx context.Context) {
		if err := s.store.AppendEvent(ctx, eventstore.Event{
			SessionID: res.SessionID,
			TraceID:   res.TraceID,
			Type:      "result",
			Payload:   data,
		}); err != nil {
			s.logger.Warn("journal result failed", slogError(err))
		}
		if err := s.store.CloseSession(ctx, res.SessionID, string(res.Status), string(res.Cause)); err != nil {
			s.logger.Warn("journal close failed", slogError(err))
		}
	})
}

func (s *Service) publish(subject string, data []byte) {
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("publish failed", slog.String("subject", subject), slogError(err))
	}
}

// enqueue hands a journal write to the writer goroutine so engine callbacks
// never wait on the database. Writes are dropped once the service closes.
func (s *Service) enqueue(fn func(context.Context)) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.journal <- fn:
	case <-s.ctx.Done():
	}
}

func (s *Service) runJournal() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.journal:
			fn(context.WithoutCancel(s.ctx))
		case <-s.ctx.Done():
			for {
				select {
				case fn := <-s.journal:
					fn(context.WithoutCancel(s.ctx))
				default:
					return
				}
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
