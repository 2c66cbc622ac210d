package realtime

import (
	"fmt"
	"math"
	"strings"

	"github.com/bytedance/sonic"
)

// Event is one inbound message from the agent service's event channel,
// decoded into a closed set of kinds at the protocol boundary. Unknown types
// decode to UnknownEvent so new server events never break dispatch.
type Event interface {
	Kind() string
	Turn() string
}

// meta carries the fields every event shares: a type string and an optional
// turn identifier.
type meta struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
}

func (m meta) Kind() string { return m.Type }
func (m meta) Turn() string { return m.TurnID }

// SessionCreatedEvent signals the transport-level session exists.
type SessionCreatedEvent struct {
	meta
	Session map[string]any `json:"session"`
}

// SessionUpdatedEvent acknowledges a session.update; the first one after our
// configuration handshake marks the session ready for turns.
type SessionUpdatedEvent struct {
	meta
	Session map[string]any `json:"session"`
}

// ResponseStartedEvent marks the start of an agent turn.
type ResponseStartedEvent struct {
	meta
	ResponseID string `json:"response_id"`
}

// ResponseFinishedEvent marks the end of an agent turn, whatever the outcome.
type ResponseFinishedEvent struct {
	meta
	ResponseID string `json:"response_id"`
	Status     string `json:"status"`
}

// OutputItemEvent carries a response output item. Function-call items arrive
// here with their call_id and name; arguments may be complete on "done".
type OutputItemEvent struct {
	meta
	Done bool `json:"-"`
	Item struct {
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item"`
}

// OutputAudioEvent reports remote output-audio lifecycle. Active is true for
// "started", false for "stopped" and "cleared".
type OutputAudioEvent struct {
	meta
	Active bool `json:"-"`
}

// SpeechEvent reports local speech detection by the remote VAD.
type SpeechEvent struct {
	meta
	Started bool `json:"-"`
}

// InputCommittedEvent reports that the input audio buffer was committed as
// one utterance.
type InputCommittedEvent struct {
	meta
	ItemID string `json:"item_id"`
}

// FunctionCallArgsDeltaEvent streams a fragment of a function call's
// argument payload.
type FunctionCallArgsDeltaEvent struct {
	meta
	CallID string `json:"call_id"`
	Delta  string `json:"delta"`
}

// FunctionCallArgsDoneEvent finalizes a function call's argument payload.
type FunctionCallArgsDoneEvent struct {
	meta
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// TranscriptDeltaEvent streams a fragment of the input transcription.
type TranscriptDeltaEvent struct {
	meta
	Delta string `json:"delta"`
}

// TranscriptDoneEvent carries a completed input transcription.
type TranscriptDoneEvent struct {
	meta
	Transcript string `json:"transcript"`
}

// TranscriptFailedEvent reports a failed input transcription.
type TranscriptFailedEvent struct {
	meta
	Reason string `json:"reason"`
}

// ErrorEvent is a protocol or application error from the remote service.
type ErrorEvent struct {
	meta
	Err ErrorDetail `json:"error"`
}

// ErrorDetail is the payload of an ErrorEvent.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UnknownEvent preserves events this client does not understand.
type UnknownEvent struct {
	meta
	Raw []byte `json:"-"`
}

// Benign reports whether a remote error is a known-harmless condition: the
// "turn already active" conflict (our in-flight bookkeeping already covers
// it) or the numeric precision complaint about turn-detection thresholds.
func (e ErrorEvent) Benign() bool {
	if e.Err.Code == "conversation_already_has_active_response" {
		return true
	}
	msg := strings.ToLower(e.Err.Message)
	if strings.Contains(msg, "already has an active response") {
		return true
	}
	return strings.Contains(msg, "decimal") || strings.Contains(msg, "precision")
}

// Decode parses one event-channel frame into its typed event.
func Decode(data []byte) (Event, error) {
	var m meta
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("event frame missing type")
	}

	switch m.Type {
	case "session.created":
		var ev SessionCreatedEvent
		return &ev, sonic.Unmarshal(data, &ev)
	case "session.updated":
		var ev SessionUpdatedEvent
		return &ev, sonic.Unmarshal(data, &ev)
	case "response.created", "response.started":
		var ev ResponseStartedEvent
		return &ev, sonic.Unmarshal(data, &ev)
	case "response.done", "response.completed", "response.canceled", "response.failed", "response.stopped":
		var ev ResponseFinishedEvent
		if err := sonic.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		if ev.Status == "" {
			ev.Status = strings.TrimPrefix(m.Type, "response.")
		}
		return &ev, nil
	case "response.output_item.added", "response.output_item.done":
		var ev OutputItemEvent
		if err := sonic.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		ev.Done = m.Type == "response.output_item.done"
		return &ev, nil
	case "output_audio_buffer.started", "output_audio_buffer.stopped", "output_audio_buffer.cleared":
		ev := OutputAudioEvent{meta: m, Active: m.Type == "output_audio_buffer.started"}
		return &ev, nil
	case "input_audio_buffer.speech_started", "input_audio_buffer.speech_stopped":
		ev := SpeechEvent{meta: m, Started: m.Type == "input_audio_buffer.speech_started"}
		return &ev, nil
	case "input_audio_buffer.committed":
		var ev InputCommittedEvent
		return &ev, sonic.Unmarshal(data, &ev)
	case "error":
		var ev ErrorEvent
		return &ev, sonic.Unmarshal(data, &ev)
	}

	// Family matches: providers vary the prefixes of these types
	// (response.* vs conversation.item.*), so match on the stable tail.
	switch {
	case strings.HasSuffix(m.Type, "function_call_arguments.delta"):
		var ev FunctionCallArgsDeltaEvent
		return &ev, sonic.Unmarshal(data, &ev)
	case strings.HasSuffix(m.Type, "function_call_arguments.done"):
		var ev FunctionCallArgsDoneEvent
		return &ev, sonic.Unmarshal(data, &ev)
	case isTranscriptionType(m.Type, ".delta"):
		var ev TranscriptDeltaEvent
		return &ev, sonic.Unmarshal(data, &ev)
	case isTranscriptionType(m.Type, ".completed"), isTranscriptionType(m.Type, ".done"):
		var ev TranscriptDoneEvent
		return &ev, sonic.Unmarshal(data, &ev)
	case isTranscriptionType(m.Type, ".failed"):
		var ev TranscriptFailedEvent
		return &ev, sonic.Unmarshal(data, &ev)
	}

	return &UnknownEvent{meta: m, Raw: append([]byte(nil), data...)}, nil
}

func isTranscriptionType(t, suffix string) bool {
	if !strings.HasSuffix(t, suffix) {
		return false
	}
	return strings.Contains(t, "input_audio_transcript")
}

// SessionConfig is the outbound session.update payload.
type SessionConfig struct {
	Modalities    []string         `json:"modalities,omitempty"`
	Instructions  string           `json:"instructions,omitempty"`
	Tools         []map[string]any `json:"tools,omitempty"`
	Voice         string           `json:"voice,omitempty"`
	TurnDetection map[string]any   `json:"turn_detection,omitempty"`
	ToolChoice    string           `json:"tool_choice,omitempty"`
}

// Response is the outbound response.create payload.
type Response struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Voice        string   `json:"voice,omitempty"`
}

// ClientEvent is any outbound event-channel frame.
type ClientEvent interface {
	clientEventType() string
}

// SessionUpdate configures the remote session.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

func (SessionUpdate) clientEventType() string { return "session.update" }

// ResponseCreate requests one agent turn.
type ResponseCreate struct {
	Type     string   `json:"type"`
	Response Response `json:"response"`
}

func (ResponseCreate) clientEventType() string { return "response.create" }

// FunctionCallOutput echoes a tool result back to the agent.
type FunctionCallOutput struct {
	Type string `json:"type"`
	Item struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Output string `json:"output"`
	} `json:"item"`
}

func (FunctionCallOutput) clientEventType() string { return "conversation.item.create" }

// NewSessionUpdate builds a session.update frame.
func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	return SessionUpdate{Type: "session.update", Session: cfg}
}

// NewResponseCreate builds a response.create frame.
func NewResponseCreate(resp Response) ResponseCreate {
	return ResponseCreate{Type: "response.create", Response: resp}
}

// NewFunctionCallOutput builds a conversation.item.create frame carrying a
// function_call_output item.
func NewFunctionCallOutput(callID, output string) FunctionCallOutput {
	ev := FunctionCallOutput{Type: "conversation.item.create"}
	ev.Item.Type = "function_call_output"
	ev.Item.CallID = callID
	ev.Item.Output = output
	return ev
}

// Encode serializes an outbound frame.
func Encode(ev ClientEvent) ([]byte, error) {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.clientEventType(), err)
	}
	return data, nil
}

// SanitizeTurnDetection clamps numeric turn-detection parameters to two
// decimal places before transmission. The remote service rejects thresholds
// with excess precision.
func SanitizeTurnDetection(td map[string]any) map[string]any {
	if td == nil {
		return nil
	}
	out := make(map[string]any, len(td))
	for k, v := range td {
		switch val := v.(type) {
		case float64:
			out[k] = math.Round(val*100) / 100
		case float32:
			out[k] = math.Round(float64(val)*100) / 100
		case map[string]any:
			out[k] = SanitizeTurnDetection(val)
		default:
			out[k] = v
		}
	}
	return out
}
