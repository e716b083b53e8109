package dictation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/loqalabs/loqa-dictation/internal/stt"
)

func TestClassify(t *testing.T) {
	cases := map[string]ErrorKind{
		stt.CodeNotAllowed:        KindPermissionDenied,
		stt.CodeServiceNotAllowed: KindPermissionDenied,
		stt.CodeAudioCapture:      KindAudioCaptureUnavailable,
		stt.CodeNoSpeech:          KindNoSpeechDetected,
		stt.CodeNetwork:           KindNetwork,
		stt.CodeAborted:           KindAborted,
		"language-not-supported":  KindNetwork,
		"":                        KindNetwork,
	}
	for code, want := range cases {
		if got := Classify(code); got.Kind != want || got.Code != code {
			t.Fatalf("Classify(%q) = %+v, want kind %s", code, got, want)
		}
	}
}

func TestErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("field dob: %w", Classify(stt.CodeNoSpeech))
	if !errors.Is(err, ErrNoSpeechDetected) {
		t.Fatalf("expected no speech sentinel to match")
	}
	if errors.Is(err, ErrNetwork) {
		t.Fatalf("unexpected network match")
	}
	if KindOf(err) != KindNoSpeechDetected {
		t.Fatalf("KindOf = %q", KindOf(err))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors have no kind")
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("exec: not found")
	err := classifyErr(&stt.CodeError{Code: stt.CodeAudioCapture, Err: cause}, KindNetwork)
	if err.Kind != KindAudioCaptureUnavailable {
		t.Fatalf("kind = %s", err.Kind)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("underlying cause not reachable")
	}
	want := "no usable audio input device (audio-capture): exec: not found"
	if err.Error() != want {
		t.Fatalf("message = %q, want %q", err.Error(), want)
	}
}

func TestRetryable(t *testing.T) {
	for kind, want := range map[ErrorKind]bool{
		KindPermissionDenied:        false,
		KindAudioCaptureUnavailable: false,
		KindNoSpeechDetected:        true,
		KindNetwork:                 true,
		KindAborted:                 true,
	} {
		if got := (&Error{Kind: kind}).Retryable(); got != want {
			t.Fatalf("%s retryable = %v", kind, got)
		}
	}
}
