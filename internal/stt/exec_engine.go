package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecEngine runs an external recognizer that captures the microphone itself
// and streams newline-delimited JSON events on stdout.
type ExecEngine struct {
	ls  listeners
	cmd []string
	cfg config.STTConfig
	log *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

type execEvent struct {
	Event      string  `json:"event"`
	Text       string  `json:"text,omitempty"`
	Final      bool    `json:"final,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Code       string  `json:"code,omitempty"`
}

func NewExecEngine(cfg config.STTConfig, log *slog.Logger) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &ExecEngine{
		cmd: args,
		cfg: cfg,
		log: log.With(slog.String("component", "stt-exec")),
	}, nil
}

// RequestPermission treats a missing recognizer binary as an unusable
// capture device. Microphone prompts are the recognizer's own business.
func (e *ExecEngine) RequestPermission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return &CodeError{Code: CodeAudioCapture, Err: err}
	}
	return nil
}

func (e *ExecEngine) Subscribe(l Listener) Subscription {
	return e.ls.add(l)
}

func (e *ExecEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("stt exec engine already running")
	}

	// The process outlives the request context that started it; Stop owns it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	command := exec.CommandContext(runCtx, e.cmd[0], e.args()...)
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stt stdout pipe: %w", err)
	}
	if err := command.Start(); err != nil {
		cancel()
		return &CodeError{Code: CodeAudioCapture, Err: err}
	}

	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	go e.read(command, stdout, e.done)
	return nil
}

// current reports whether done belongs to the run that has not been stopped.
func (e *ExecEngine) current(done chan struct{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running && e.done == done
}

func (e *ExecEngine) args() []string {
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--continuous")
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}
	if e.cfg.Language != "" {
		args = append(args, "--language", e.cfg.Language)
	}
	if e.cfg.PublishInterim {
		args = append(args, "--partial")
	}
	return args
}

func (e *ExecEngine) read(command *exec.Cmd, stdout io.Reader, done chan struct{}) {
	defer close(done)
	ended := false
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if !e.current(done) {
			continue
		}
		end, err := e.dispatch(scanner.Bytes())
		if err != nil {
			e.log.Warn("failed to decode recognizer event", slog.String("error", err.Error()))
			continue
		}
		if end {
			ended = true
		}
	}
	if err := command.Wait(); err != nil {
		e.log.Debug("recognizer exited", slog.String("error", err.Error()))
	}

	live := e.current(done)
	e.mu.Lock()
	if e.done == done {
		e.running = false
		e.cancel = nil
	}
	e.mu.Unlock()
	if live && !ended {
		e.ls.end()
	}
}

// dispatch fans one NDJSON line out to the listeners. It reports whether the
// line was an end event.
func (e *ExecEngine) dispatch(line []byte) (bool, error) {
	if len(line) == 0 {
		return false, nil
	}
	var evt execEvent
	if err := json.Unmarshal(line, &evt); err != nil {
		return false, err
	}
	switch evt.Event {
	case "start":
		e.ls.start()
	case "result":
		e.ls.result(Utterance{Text: evt.Text, IsFinal: evt.Final, Confidence: evt.Confidence})
	case "error":
		code := evt.Code
		if code == "" {
			code = CodeNetwork
		}
		e.ls.fail(code)
	case "end":
		e.ls.end()
		return true, nil
	default:
		return false, fmt.Errorf("unknown recognizer event %q", evt.Event)
	}
	return false, nil
}

// Stop kills the recognizer. Events still buffered from the stopped run are
// dropped. Stop does not wait for the process, so it is safe to call from a
// listener; use Wait for that.
func (e *ExecEngine) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.running = false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait blocks until the most recent recognizer process has exited.
func (e *ExecEngine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

var _ Engine = (*ExecEngine)(nil)
