package messages

// Error codes
const (
	ErrCodeMicDenied      = "MIC_DENIED"
	ErrCodeConfigFailed   = "CONFIG_FAILED"
	ErrCodeConnectionLost = "CONNECTION_LOST"
	ErrCodeAgentError     = "AGENT_ERROR"
	ErrCodeSessionFailed  = "SESSION_FAILED"
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
)

// Update types
const (
	TypeStatus     = "status"
	TypeTranscript = "transcript"
	TypeProgress   = "progress"
	TypeNote       = "note"
	TypeMute       = "mute"
	TypeError      = "error"
)

// Session status values
const (
	StatusConnecting   = "connecting"
	StatusReady        = "ready"
	StatusListening    = "listening"
	StatusSpeaking     = "speaking"
	StatusReconnecting = "reconnecting"
	StatusEnded        = "ended"
)

// Update represents one observable state change pushed to whoever is
// watching the session (the mobile UI, the dev console). The orchestrator
// has no other outward surface.
type Update struct {
	Type    string      `json:"type"`
	UserID  string      `json:"userId,omitempty"`
	Payload interface{} `json:"payload"`
}

// StatusPayload contains session lifecycle updates
type StatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// TranscriptPayload carries one committed user utterance
type TranscriptPayload struct {
	Text string `json:"text"`
}

// ProgressPayload reflects the discovery progress counters
type ProgressPayload struct {
	CompletedQuestions int      `json:"completedQuestions"`
	TotalQuestions     int      `json:"totalQuestions"`
	IsComplete         bool     `json:"isComplete"`
	MissingKeys        []string `json:"missingKeys,omitempty"`
}

// NotePayload carries one appended note entry
type NotePayload struct {
	ID         string `json:"id"`
	QuestionID string `json:"questionId,omitempty"`
	Text       string `json:"text"`
}

// MutePayload reports the effective capture state
type MutePayload struct {
	UserMuted      bool `json:"userMuted"`
	CaptureEnabled bool `json:"captureEnabled"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewStatusUpdate creates a status update
func NewStatusUpdate(userID, status, message string) *Update {
	return &Update{
		Type:   TypeStatus,
		UserID: userID,
		Payload: StatusPayload{
			Status:  status,
			Message: message,
		},
	}
}

// NewTranscriptUpdate creates a transcript update
func NewTranscriptUpdate(userID, text string) *Update {
	return &Update{
		Type:    TypeTranscript,
		UserID:  userID,
		Payload: TranscriptPayload{Text: text},
	}
}

// NewProgressUpdate creates a progress update
func NewProgressUpdate(userID string, completed, total int, isComplete bool, missing []string) *Update {
	return &Update{
		Type:   TypeProgress,
		UserID: userID,
		Payload: ProgressPayload{
			CompletedQuestions: completed,
			TotalQuestions:     total,
			IsComplete:         isComplete,
			MissingKeys:        missing,
		},
	}
}

// NewNoteUpdate creates a note update
func NewNoteUpdate(userID, id, questionID, text string) *Update {
	return &Update{
		Type:   TypeNote,
		UserID: userID,
		Payload: NotePayload{
			ID:         id,
			QuestionID: questionID,
			Text:       text,
		},
	}
}

// NewMuteUpdate creates a mute-state update
func NewMuteUpdate(userID string, userMuted, captureEnabled bool) *Update {
	return &Update{
		Type:   TypeMute,
		UserID: userID,
		Payload: MutePayload{
			UserMuted:      userMuted,
			CaptureEnabled: captureEnabled,
		},
	}
}

// NewErrorUpdate creates an error update
func NewErrorUpdate(userID, code, message string) *Update {
	return &Update{
		Type:   TypeError,
		UserID: userID,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}
