package backend

import (
	"encoding/json"
	"fmt"
)

// APIError is a terminal failure from a backend endpoint: a non-2xx status,
// a malformed body, or an error envelope. It is never retried.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s: status %d: %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("backend %s: %s", e.Endpoint, e.Message)
}

// envelope is the JSON wrapper every backend endpoint responds with.
type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// ToolSpec is a tool definition forwarded verbatim to the realtime session.
// The backend owns the schema; the client only transports it.
type ToolSpec map[string]any

// ResponsePayload is one request for the agent to produce a turn.
type ResponsePayload struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Voice        string   `json:"voice,omitempty"`
}

// StateCompact is the server-side snapshot of a user's progress, used to seed
// local state at session start.
type StateCompact struct {
	Discovery      map[string]string `json:"discovery"`
	NotesTail      []string          `json:"notes_tail"`
	LastQuestionID string            `json:"last_question_id"`
}

// AgentConfig is an immutable per-fetch snapshot of agent instructions,
// tools, turn detection parameters and onboarding progress. Replaced
// wholesale on refresh, never mutated.
type AgentConfig struct {
	Instructions       string
	Tools              []ToolSpec
	TurnDetection      map[string]any
	Kickoff            ResponsePayload
	IsComplete         bool
	CompletedQuestions int
	TotalQuestions     int
	MissingKeys        []string
	NextQuestion       string
	NextQuestionText   string
	State              StateCompact
}

// configBody mirrors the nested wire shape of the config endpoint.
type configBody struct {
	Instructions string     `json:"instructions"`
	Tools        []ToolSpec `json:"tools"`
	Realtime     struct {
		TurnDetection map[string]any `json:"turn_detection"`
	} `json:"realtime"`
	Kickoff struct {
		Response ResponsePayload `json:"response"`
	} `json:"kickoff"`
	IsComplete         bool         `json:"is_complete"`
	CompletedQuestions int          `json:"completed_questions"`
	TotalQuestions     int          `json:"total_questions"`
	MissingKeys        []string     `json:"missing_keys"`
	NextQuestion       string       `json:"next_question"`
	NextQuestionText   string       `json:"next_question_text"`
	StateCompact       StateCompact `json:"state_compact"`
}

func (b *configBody) toAgentConfig() *AgentConfig {
	return &AgentConfig{
		Instructions:       b.Instructions,
		Tools:              b.Tools,
		TurnDetection:      b.Realtime.TurnDetection,
		Kickoff:            b.Kickoff.Response,
		IsComplete:         b.IsComplete,
		CompletedQuestions: b.CompletedQuestions,
		TotalQuestions:     b.TotalQuestions,
		MissingKeys:        b.MissingKeys,
		NextQuestion:       b.NextQuestion,
		NextQuestionText:   b.NextQuestionText,
		State:              b.StateCompact,
	}
}
