package protocol

import "time"

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// STTControl asks the upstream recognizer to start or stop capturing.
type STTControl struct {
	SessionID string    `json:"session_id"`
	Language  string    `json:"language,omitempty"`
	Interim   bool      `json:"interim"`
	Timestamp time.Time `json:"timestamp"`
}

// STTError reports a recognizer failure using an engine error code.
type STTError struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
}

// STTEnd reports that the recognizer stopped on its own.
type STTEnd struct {
	SessionID string `json:"session_id"`
}

// DictationStart binds a form field and starts capturing into it.
type DictationStart struct {
	FieldID string `json:"field_id"`
	Mode    string `json:"mode"`
}

// DictationStop stops the active session of a field.
type DictationStop struct {
	FieldID string `json:"field_id"`
}

// DictationReply answers start and stop requests.
type DictationReply struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DictationStatus is published on every session state transition.
type DictationStatus struct {
	SessionID string    `json:"session_id"`
	FieldID   string    `json:"field_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Interim   string    `json:"interim,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DictationResult is published once per terminated session.
type DictationResult struct {
	SessionID string    `json:"session_id"`
	FieldID   string    `json:"field_id"`
	Status    string    `json:"status"`
	Cause     string    `json:"cause,omitempty"`
	Text      string    `json:"text,omitempty"`
	ISODate   string    `json:"iso_date,omitempty"`
	Valid     bool      `json:"valid"`
	Age       *int      `json:"age,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSTTError          = "stt.error"
	SubjectSTTEnd            = "stt.end"
	SubjectSTTControlStart   = "stt.control.start"
	SubjectSTTControlStop    = "stt.control.stop"

	SubjectDictationStart  = "dictation.start"
	SubjectDictationStop   = "dictation.stop"
	SubjectDictationStatus = "dictation.status"
	SubjectDictationResult = "dictation.result"
)
