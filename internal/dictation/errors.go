package dictation

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-dictation/internal/stt"
)

// ErrorKind is the fixed taxonomy of dictation failures.
type ErrorKind string

const (
	KindPermissionDenied        ErrorKind = "permission_denied"
	KindAudioCaptureUnavailable ErrorKind = "audio_capture_unavailable"
	KindNoSpeechDetected        ErrorKind = "no_speech_detected"
	KindNetwork                 ErrorKind = "network_error"
	KindAborted                 ErrorKind = "aborted"
	KindParseFailure            ErrorKind = "parse_failure"
)

var (
	ErrPermissionDenied        = errors.New("microphone permission denied")
	ErrAudioCaptureUnavailable = errors.New("no usable audio input device")
	ErrNoSpeechDetected        = errors.New("no speech detected")
	ErrNetwork                 = errors.New("speech recognition network failure")
	ErrAborted                 = errors.New("speech recognition aborted")
	ErrParseFailure            = errors.New("utterance is not a recognizable date")

	ErrAlreadyStarted = errors.New("dictation session already started")
	ErrSessionClosed  = errors.New("dictation session closed")
)

var sentinels = map[ErrorKind]error{
	KindPermissionDenied:        ErrPermissionDenied,
	KindAudioCaptureUnavailable: ErrAudioCaptureUnavailable,
	KindNoSpeechDetected:        ErrNoSpeechDetected,
	KindNetwork:                 ErrNetwork,
	KindAborted:                 ErrAborted,
	KindParseFailure:            ErrParseFailure,
}

// Error is a classified dictation failure. It matches its kind's sentinel
// with errors.Is.
type Error struct {
	Kind ErrorKind
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := sentinels[e.Kind].Error()
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the user can simply start again. Permission and
// device failures need action outside the application first.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindPermissionDenied, KindAudioCaptureUnavailable:
		return false
	default:
		return true
	}
}

// Classify maps an engine error code onto the taxonomy. Unknown codes are
// engine-side failures and classify as network errors.
func Classify(code string) *Error {
	switch code {
	case stt.CodeNotAllowed, stt.CodeServiceNotAllowed:
		return &Error{Kind: KindPermissionDenied, Code: code}
	case stt.CodeAudioCapture:
		return &Error{Kind: KindAudioCaptureUnavailable, Code: code}
	case stt.CodeNoSpeech:
		return &Error{Kind: KindNoSpeechDetected, Code: code}
	case stt.CodeAborted:
		return &Error{Kind: KindAborted, Code: code}
	default:
		return &Error{Kind: KindNetwork, Code: code}
	}
}

// classifyErr classifies an error returned by the engine. Errors without an
// engine code get the fallback kind.
func classifyErr(err error, fallback ErrorKind) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	var ce *stt.CodeError
	if errors.As(err, &ce) {
		e := Classify(ce.Code)
		e.Err = ce.Err
		return e
	}
	return &Error{Kind: fallback, Err: err}
}

// KindOf returns the taxonomy kind of err, or "" when err is not a
// dictation error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
