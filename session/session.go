package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/room4-2/OpenOnboard/backend"
	"github.com/room4-2/OpenOnboard/config"
	"github.com/room4-2/OpenOnboard/messages"
	"github.com/room4-2/OpenOnboard/realtime"
	"github.com/room4-2/OpenOnboard/store"
)

const (
	updateQueueSize = 64

	// Cap on waiting for output audio to report stopped after a turn
	// finished. Some providers drop the stopped event; past this the
	// pending turn is force-flushed.
	audioStallCap = 10 * time.Second

	memorySetTool = "memory_set"
)

// Session orchestrates one user's voice onboarding conversation: transport
// lifecycle, turn-taking, tool dispatch, transcript debouncing, local
// persistence and backend sync. All mutable state is owned by a single run
// loop goroutine; external calls and transport callbacks post closures onto
// it, so no field below needs a lock.
type Session struct {
	ID     string
	UserID string

	cfg     *config.Config
	client  *backend.Client
	store   *store.Store
	factory TransportFactory

	runCh   chan func()
	done    chan struct{}
	updates chan *messages.Update

	// Run-loop-owned state.
	agentCfg     *backend.AgentConfig
	local        *store.State
	transport    Transport
	transportGen int
	turns        *turnMachine
	pipeline     *transcriptPipeline
	dispatcher   *toolDispatcher

	// Turn ids whose remaining events must be dropped: the turn was
	// cancelled but stragglers for it still arrive.
	cancelledTurns map[string]bool

	sessionReady   bool
	userMuted      bool
	confirmingExit bool
	ending         bool
	stopped        bool

	reconnecting bool
	reconnects   int

	followupGen int
	stallGen    int

	lastActivity atomic.Int64 // unix nanos; read by the manager's reaper
}

// NewSession creates a session for one user. Call Start to begin.
func NewSession(userID string, cfg *config.Config, client *backend.Client, st *store.Store, factory TransportFactory) *Session {
	s := &Session{
		ID:         uuid.New().String(),
		UserID:     userID,
		cfg:        cfg,
		client:     client,
		store:      st,
		factory:    factory,
		runCh:      make(chan func(), 128),
		done:       make(chan struct{}),
		updates:    make(chan *messages.Update, updateQueueSize),
		turns:      newTurnMachine(),
		pipeline:   newTranscriptPipeline(cfg.DedupeWindow, cfg.UtteranceCooldown, cfg.RepeatCooldown),
		dispatcher: newToolDispatcher(),

		cancelledTurns: make(map[string]bool),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// Updates exposes the session's outbound update stream. Closed when the
// session ends.
func (s *Session) Updates() <-chan *messages.Update {
	return s.updates
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// LastActive reports when the session last saw transport activity.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Start launches the run loop and begins the bootstrap sequence: load local
// state, fetch agent config and token, then connect the transport.
func (s *Session) Start() {
	go s.run()
	s.post(func() {
		s.emitStatus(messages.StatusConnecting, "")
		go s.bootstrap()
	})
}

// Stop ends the session. Safe to call more than once.
func (s *Session) Stop() {
	s.post(func() { s.shutdown("") })
}

// SetMuted toggles the user mute. Capture stays disabled while output audio
// is playing regardless of this flag.
func (s *Session) SetMuted(muted bool) {
	s.post(func() {
		if s.userMuted == muted {
			return
		}
		s.userMuted = muted
		s.applyCapture()
		s.queueUpdate(messages.NewMuteUpdate(s.UserID, s.userMuted, s.captureEnabled()))
	})
}

// RequestTurn asks the agent to speak with the given instructions, subject
// to the one-turn-in-flight rule.
func (s *Session) RequestTurn(instructions string) {
	s.post(func() {
		s.requestTurn(realtime.Response{
			Modalities:   []string{"audio", "text"},
			Instructions: instructions,
			Voice:        s.voice(),
		}, "external")
	})
}

// run is the session's single event loop.
func (s *Session) run() {
	for {
		select {
		case fn := <-s.runCh:
			fn()
		case <-s.done:
			return
		}
	}
}

// post schedules fn on the run loop. After shutdown it is a no-op.
func (s *Session) post(fn func()) {
	select {
	case s.runCh <- fn:
	case <-s.done:
	}
}

// --- Bootstrap ---

func (s *Session) bootstrap() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	local, err := s.store.Load(ctx, s.UserID)
	if err != nil {
		log.Printf("⚠️ [%s] Loading local state failed, starting fresh: %v", s.UserID, err)
	}

	agentCfg, err := s.client.FetchConfig(ctx, s.UserID)
	if err != nil {
		s.post(func() { s.fatal(messages.ErrCodeConfigFailed, fmt.Sprintf("fetch agent config: %v", err)) })
		return
	}

	token, err := s.client.FetchToken(ctx, s.cfg.Model, s.UserID)
	if err != nil {
		s.post(func() { s.fatal(messages.ErrCodeConfigFailed, fmt.Sprintf("fetch session token: %v", err)) })
		return
	}

	s.post(func() {
		if s.stopped {
			return
		}
		s.applyConfig(agentCfg, local)
		s.connect(token)
	})
}

// applyConfig installs a config snapshot and reconciles it with any locally
// persisted progress. Local discovery values win over the server snapshot;
// the server owns the question totals.
func (s *Session) applyConfig(agentCfg *backend.AgentConfig, local *store.State) {
	s.agentCfg = agentCfg

	if local == nil {
		local = &store.State{
			UserID:    s.UserID,
			CreatedAt: time.Now(),
			Discovery: make(map[string]string),
		}
	}
	if local.Discovery == nil {
		local.Discovery = make(map[string]string)
	}
	for k, v := range agentCfg.State.Discovery {
		if _, ok := local.Discovery[k]; !ok {
			local.Discovery[k] = v
		}
	}
	local.TotalQuestions = agentCfg.TotalQuestions
	local.CompletedQuestions = agentCfg.CompletedQuestions
	local.IsComplete = agentCfg.IsComplete
	if local.LastQuestionID == "" {
		local.LastQuestionID = agentCfg.State.LastQuestionID
	}
	s.local = local

	s.emitProgress()
}

// connect builds a fresh transport and dials it. The generation counter
// fences callbacks from transports that have since been replaced.
func (s *Session) connect(token string) {
	s.transportGen++
	gen := s.transportGen

	transport, err := s.factory(
		func(ev realtime.Event) {
			s.post(func() {
				if gen == s.transportGen {
					s.handleEvent(ev)
				}
			})
		},
		func(state realtime.ConnState) {
			s.post(func() {
				if gen == s.transportGen {
					s.handleConnState(state)
				}
			})
		},
		func(err error) {
			s.post(func() {
				if gen == s.transportGen {
					log.Printf("⚠️ [%s] Transport error: %v", s.UserID, err)
				}
			})
		},
	)
	if err != nil {
		s.connectFailed(err)
		return
	}
	s.transport = transport
	s.sessionReady = false
	s.turns.Reset()
	s.pipeline.Reset()
	s.dispatcher.Reset()
	s.cancelledTurns = make(map[string]bool)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := transport.Connect(ctx, token); err != nil {
			s.post(func() {
				if gen == s.transportGen {
					s.connectFailed(err)
				}
			})
		}
	}()
}

func (s *Session) connectFailed(err error) {
	if errors.Is(err, ErrPermissionDenied) {
		s.fatal(messages.ErrCodeMicDenied, "microphone permission denied")
		return
	}
	log.Printf("❌ [%s] Transport connect failed: %v", s.UserID, err)
	s.superviseReconnect()
}

// --- Transport state ---

func (s *Session) handleConnState(state realtime.ConnState) {
	switch state {
	case realtime.StateOpen:
		log.Printf("✅ [%s] Event channel open, configuring session", s.UserID)
		s.configureSession()
	case realtime.StateFailed, realtime.StateClosed:
		if s.stopped || s.ending {
			return
		}
		log.Printf("⚠️ [%s] Transport %s", s.UserID, state)
		s.superviseReconnect()
	}
}

// configureSession sends session.update with the fetched agent config. The
// first session.updated acknowledgment marks the session ready for turns.
func (s *Session) configureSession() {
	tools := make([]map[string]any, 0, len(s.agentCfg.Tools))
	for _, t := range s.agentCfg.Tools {
		tools = append(tools, map[string]any(t))
	}

	cfg := realtime.SessionConfig{
		Modalities:    []string{"audio", "text"},
		Instructions:  s.agentCfg.Instructions,
		Tools:         tools,
		Voice:         s.voice(),
		TurnDetection: realtime.SanitizeTurnDetection(s.agentCfg.TurnDetection),
	}
	if err := s.send(realtime.NewSessionUpdate(cfg)); err != nil {
		log.Printf("❌ [%s] Sending session config failed: %v", s.UserID, err)
		s.superviseReconnect()
		return
	}
	s.turns.ConfiguringSession()
}

// superviseReconnect runs the bounded reconnect policy: up to the configured
// attempt count per disruption, then the session is torn down.
func (s *Session) superviseReconnect() {
	if s.stopped || s.reconnecting {
		return
	}
	s.reconnects++
	if s.reconnects > s.cfg.ReconnectAttempts {
		s.fatal(messages.ErrCodeConnectionLost, "connection lost and could not be re-established")
		return
	}
	s.reconnecting = true
	s.emitStatus(messages.StatusReconnecting, fmt.Sprintf("reconnect attempt %d/%d", s.reconnects, s.cfg.ReconnectAttempts))
	log.Printf("🔄 [%s] Reconnecting (attempt %d/%d)", s.UserID, s.reconnects, s.cfg.ReconnectAttempts)

	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}
	s.transportGen++ // Orphan any in-flight callbacks from the old transport

	time.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.post(func() {
			if s.stopped {
				return
			}
			s.reconnecting = false
			go s.refreshTokenAndConnect()
		})
	})
}

func (s *Session) refreshTokenAndConnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := s.client.FetchToken(ctx, s.cfg.Model, s.UserID)
	if err != nil {
		s.post(func() { s.superviseReconnect() })
		return
	}
	s.post(func() {
		if !s.stopped {
			s.connect(token)
		}
	})
}

// --- Inbound events ---

func (s *Session) handleEvent(ev realtime.Event) {
	s.lastActivity.Store(time.Now().UnixNano())

	if turnID := ev.Turn(); turnID != "" && s.cancelledTurns[turnID] {
		return
	}

	switch e := ev.(type) {
	case *realtime.SessionCreatedEvent:
		// Informational; readiness is keyed on session.updated.

	case *realtime.SessionUpdatedEvent:
		s.handleSessionReady()

	case *realtime.ResponseStartedEvent:
		s.followupGen++ // The agent spoke up on its own; cancel the watchdog
		s.turns.ResponseStarted()

	case *realtime.ResponseFinishedEvent:
		s.handleResponseFinished(e)

	case *realtime.OutputAudioEvent:
		s.handleOutputAudio(e.Active)

	case *realtime.SpeechEvent:
		if e.Started && !s.turns.OutputActive() {
			s.emitStatus(messages.StatusListening, "")
		}

	case *realtime.InputCommittedEvent:
		// The transcription events carry the text; nothing to do here.

	case *realtime.TranscriptDeltaEvent:
		s.pipeline.AppendDelta(e.Delta)

	case *realtime.TranscriptDoneEvent:
		s.handleTranscript(e.Transcript)

	case *realtime.TranscriptFailedEvent:
		s.handleTranscript("")

	case *realtime.OutputItemEvent:
		if e.Item.Type != "function_call" {
			return
		}
		if e.Done {
			s.finalizeToolCall(e.Item.CallID, e.Item.Name, e.Item.Arguments)
		} else {
			s.dispatcher.Announce(e.Item.CallID, e.Item.Name, e.Item.Arguments)
		}

	case *realtime.FunctionCallArgsDeltaEvent:
		s.dispatcher.AppendArgs(e.CallID, e.Delta)

	case *realtime.FunctionCallArgsDoneEvent:
		s.finalizeToolCall(e.CallID, e.Name, e.Arguments)

	case *realtime.ErrorEvent:
		s.handleRemoteError(e)

	case *realtime.UnknownEvent:
		log.Printf("🔍 [%s] Ignoring event type %q", s.UserID, e.Kind())
	}
}

func (s *Session) handleSessionReady() {
	if s.sessionReady {
		return
	}
	s.sessionReady = true
	s.reconnects = 0
	s.emitStatus(messages.StatusReady, "")
	log.Printf("✅ [%s] Session ready", s.UserID)

	pending, kickoff := s.turns.SessionReady()
	switch {
	case pending != nil:
		s.sendTurn(pending.resp, pending.reason)
	case kickoff:
		s.sendTurn(s.kickoffResponse(), "kickoff")
	}
}

func (s *Session) handleResponseFinished(e *realtime.ResponseFinishedEvent) {
	log.Printf("💬 [%s] Turn finished (%s)", s.UserID, e.Status)
	if (e.Status == "canceled" || e.Status == "cancelled") && e.Turn() != "" {
		s.cancelledTurns[e.Turn()] = true
	}
	if pending := s.turns.ResponseFinished(); pending != nil {
		s.sendTurn(pending.resp, pending.reason)
		return
	}
	if s.turns.HasPending() && s.turns.OutputActive() {
		s.armStallWatchdog()
	}
	if s.ending && !s.turns.OutputActive() {
		s.shutdown("conversation complete")
	}
}

func (s *Session) handleOutputAudio(active bool) {
	if active {
		s.followupGen++
		s.stallGen++
		s.turns.OutputStarted()
		s.applyCapture()
		s.emitStatus(messages.StatusSpeaking, "")
		return
	}

	s.stallGen++
	pending := s.turns.OutputStopped()
	s.applyCapture()
	if s.ending && !s.turns.InFlight() {
		s.shutdown("conversation complete")
		return
	}
	s.emitStatus(messages.StatusListening, "")
	if pending != nil {
		s.sendTurn(pending.resp, pending.reason)
	}
}

// armStallWatchdog force-flushes a pending turn if output audio never
// reports stopped within the cap.
func (s *Session) armStallWatchdog() {
	s.stallGen++
	gen := s.stallGen
	time.AfterFunc(audioStallCap, func() {
		s.post(func() {
			if gen != s.stallGen || s.stopped {
				return
			}
			log.Printf("⚠️ [%s] Output audio stalled, flushing pending turn", s.UserID)
			s.handleOutputAudio(false)
		})
	})
}

func (s *Session) handleTranscript(text string) {
	action := s.pipeline.Commit(text, time.Now())
	if action == actionDrop {
		return
	}
	if action == actionRepeat {
		s.requestTurn(realtime.Response{
			Modalities:   []string{"audio", "text"},
			Instructions: "You could not hear the user clearly. Briefly ask them to repeat what they said.",
			Voice:        s.voice(),
		}, "repeat")
		return
	}

	s.queueUpdate(messages.NewTranscriptUpdate(s.UserID, text))

	if s.confirmingExit {
		s.resolveExitConfirmation(text)
		return
	}

	switch action {
	case actionContinue:
		s.requestTurn(realtime.Response{
			Modalities:   []string{"audio", "text"},
			Instructions: s.continuationInstructions(),
			Voice:        s.voice(),
		}, "continue")

	case actionExitConfirm:
		s.confirmingExit = true
		s.requestTurn(realtime.Response{
			Modalities:   []string{"audio", "text"},
			Instructions: "The user asked to stop. Ask them to confirm: would they like to end the session for now? Wait for a clear yes or no.",
			Voice:        s.voice(),
		}, "exit-confirm")
	}
}

// resolveExitConfirmation handles the user's answer to the exit prompt. An
// affirmative ends the conversation after a wrap-up turn; anything else
// resumes the normal flow, treating the answer as "keep going".
func (s *Session) resolveExitConfirmation(text string) {
	s.confirmingExit = false
	if isAffirmative(text) {
		s.ending = true
		s.requestTurn(realtime.Response{
			Modalities:   []string{"audio", "text"},
			Instructions: "The user confirmed they want to stop. Thank them warmly, summarize what was covered in one sentence, and say goodbye.",
			Voice:        s.voice(),
		}, "exit")
		return
	}
	s.requestTurn(realtime.Response{
		Modalities:   []string{"audio", "text"},
		Instructions: "The user decided to keep going. " + s.continuationInstructions(),
		Voice:        s.voice(),
	}, "continue")
}

func (s *Session) handleRemoteError(e *realtime.ErrorEvent) {
	if e.Benign() {
		s.turns.NoteConflict()
		log.Printf("🔍 [%s] Benign remote error: %s", s.UserID, e.Err.Message)
		return
	}
	log.Printf("❌ [%s] Remote error [%s]: %s", s.UserID, e.Err.Code, e.Err.Message)
	s.queueUpdate(messages.NewErrorUpdate(s.UserID, messages.ErrCodeAgentError, e.Err.Message))
}

// --- Turn requests ---

func (s *Session) voice() string {
	if s.agentCfg != nil && s.agentCfg.Kickoff.Voice != "" {
		return s.agentCfg.Kickoff.Voice
	}
	return s.cfg.Voice
}

// continuationInstructions is the standard acknowledge-then-ask-next turn.
// The config's next-question text, when present, keeps the agent on script.
func (s *Session) continuationInstructions() string {
	if s.agentCfg != nil && s.agentCfg.NextQuestionText != "" {
		return fmt.Sprintf("Briefly acknowledge the user's answer, then ask: %s", s.agentCfg.NextQuestionText)
	}
	return "Briefly acknowledge the user's answer and ask the next onboarding question."
}

func (s *Session) kickoffResponse() realtime.Response {
	k := s.agentCfg.Kickoff
	resp := realtime.Response{
		Modalities:   k.Modalities,
		Instructions: k.Instructions,
		Voice:        k.Voice,
	}
	if len(resp.Modalities) == 0 {
		resp.Modalities = []string{"audio", "text"}
	}
	if resp.Voice == "" {
		resp.Voice = s.cfg.Voice
	}
	return resp
}

// requestTurn routes through the turn machine: send now, or queue as the
// single pending turn.
func (s *Session) requestTurn(resp realtime.Response, reason string) {
	if s.turns.RequestTurn(resp, reason) {
		s.sendTurn(resp, reason)
	} else {
		log.Printf("🔍 [%s] Turn queued (%s)", s.UserID, reason)
	}
}

func (s *Session) sendTurn(resp realtime.Response, reason string) {
	log.Printf("💬 [%s] Requesting turn (%s)", s.UserID, reason)
	if err := s.send(realtime.NewResponseCreate(resp)); err != nil {
		log.Printf("❌ [%s] Turn request failed: %v", s.UserID, err)
	}
}

func (s *Session) send(ev realtime.ClientEvent) error {
	if s.transport == nil {
		return fmt.Errorf("transport not connected")
	}
	return s.transport.Send(ev)
}

// --- Tool dispatch ---

func (s *Session) finalizeToolCall(callID, name, args string) {
	dispatchName, dispatchArgs, ok := s.dispatcher.Finalize(callID, name, args)
	if !ok {
		return
	}
	log.Printf("🔧 [%s] Dispatching tool %s (call %s)", s.UserID, dispatchName, callID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTPTimeout*time.Duration(s.cfg.RetryAttempts+1))
		defer cancel()

		output, err := s.client.ExecuteTool(ctx, s.UserID, dispatchName, json.RawMessage(dispatchArgs))
		s.post(func() {
			s.completeToolCall(callID, dispatchName, dispatchArgs, output, err)
		})
	}()
}

// completeToolCall always echoes a result for the call id, success or not.
// A missing echo would stall the agent's turn forever.
func (s *Session) completeToolCall(callID, name, args string, output json.RawMessage, err error) {
	var payload string
	if err != nil {
		log.Printf("❌ [%s] Tool %s failed: %v", s.UserID, name, err)
		failure, _ := sonic.MarshalString(map[string]string{"error": err.Error()})
		payload = failure
	} else {
		payload = string(output)
	}

	if sendErr := s.send(realtime.NewFunctionCallOutput(callID, payload)); sendErr != nil {
		log.Printf("❌ [%s] Echoing tool result failed: %v", s.UserID, sendErr)
	}

	if err == nil && name == memorySetTool {
		s.applyMemoryResult(args, output)
		s.armFollowupWatchdog()
	}
}

// applyMemoryResult folds a successful memory_set into local state: merge
// the discovery value, append a note, persist, and push to the backend.
func (s *Session) applyMemoryResult(args string, output json.RawMessage) {
	var call struct {
		Key        string `json:"key"`
		Value      string `json:"value"`
		QuestionID string `json:"question_id"`
	}
	if err := sonic.UnmarshalString(args, &call); err != nil || call.Key == "" {
		log.Printf("⚠️ [%s] Unusable memory_set arguments: %v", s.UserID, err)
		return
	}

	s.local.Discovery[call.Key] = call.Value
	if call.QuestionID != "" {
		s.local.LastQuestionID = call.QuestionID
	}

	// The tool output may carry refreshed progress counters.
	var result struct {
		CompletedQuestions *int     `json:"completed_questions"`
		TotalQuestions     *int     `json:"total_questions"`
		IsComplete         *bool    `json:"is_complete"`
		MissingKeys        []string `json:"missing_keys"`
	}
	if err := sonic.Unmarshal(output, &result); err == nil {
		if result.CompletedQuestions != nil {
			s.local.CompletedQuestions = *result.CompletedQuestions
		}
		if result.TotalQuestions != nil {
			s.local.TotalQuestions = *result.TotalQuestions
		}
		if result.IsComplete != nil {
			s.local.IsComplete = *result.IsComplete
		}
		if result.MissingKeys != nil && s.agentCfg != nil {
			s.agentCfg.MissingKeys = result.MissingKeys
		}
	}

	note := store.Note{
		ID:         uuid.New().String(),
		Timestamp:  time.Now(),
		QuestionID: call.QuestionID,
		Text:       noteText(call.Key, call.Value),
	}
	s.local.Notes = append(s.local.Notes, note)

	s.persistAndSync(note)
	s.queueUpdate(messages.NewNoteUpdate(s.UserID, note.ID, note.QuestionID, note.Text))
	s.emitProgress()
}

// persistAndSync saves locally, then pushes to the backend off-loop. The
// snapshot is a deep copy taken on the run loop; the live state keeps being
// mutated while the goroutine marshals. The sync_pending flag survives a
// failed push and is retried on the next save.
func (s *Session) persistAndSync(note store.Note) {
	snapshot := s.local.Clone()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTPTimeout*2)
		defer cancel()

		if err := s.store.Save(ctx, snapshot); err != nil {
			log.Printf("⚠️ [%s] Persisting state failed: %v", s.UserID, err)
			return
		}
		if err := s.store.AppendNote(ctx, snapshot.UserID, note); err != nil {
			log.Printf("⚠️ [%s] Appending note failed: %v", s.UserID, err)
		}

		if err := s.client.SyncState(ctx, snapshot.UserID, snapshot); err != nil {
			log.Printf("⚠️ [%s] Backend sync failed, will retry on next save: %v", s.UserID, err)
			return
		}
		if err := s.store.MarkSynced(ctx, snapshot.UserID); err != nil {
			log.Printf("⚠️ [%s] Clearing sync flag failed: %v", s.UserID, err)
		}
	}()
}

// armFollowupWatchdog requests a turn if the agent stays silent too long
// after a successful memory update. Cancelled when the agent starts speaking
// on its own.
func (s *Session) armFollowupWatchdog() {
	s.followupGen++
	gen := s.followupGen
	time.AfterFunc(s.cfg.FollowupWatchdog, func() {
		s.post(func() {
			if gen != s.followupGen || s.stopped || s.ending {
				return
			}
			log.Printf("⏰ [%s] Agent silent after tool result, prompting followup", s.UserID)
			s.requestTurn(realtime.Response{
				Modalities:   []string{"audio", "text"},
				Instructions: "Briefly acknowledge what the user just shared and continue with the next onboarding question.",
				Voice:        s.voice(),
			}, "followup-watchdog")
		})
	})
}

// --- Output & teardown ---

func (s *Session) applyCapture() {
	if s.transport != nil {
		s.transport.SetCapture(s.captureEnabled())
	}
}

// captureEnabled is the ducking rule: capture is live only while the user is
// unmuted and no output audio is playing.
func (s *Session) captureEnabled() bool {
	return !s.userMuted && !s.turns.OutputActive()
}

func (s *Session) emitStatus(status, message string) {
	s.queueUpdate(messages.NewStatusUpdate(s.UserID, status, message))
}

func (s *Session) emitProgress() {
	var missing []string
	if s.agentCfg != nil {
		missing = s.agentCfg.MissingKeys
	}
	s.queueUpdate(messages.NewProgressUpdate(s.UserID,
		s.local.CompletedQuestions, s.local.TotalQuestions, s.local.IsComplete, missing))
}

// queueUpdate pushes an update without ever blocking the run loop; slow
// consumers lose updates rather than stalling the conversation.
func (s *Session) queueUpdate(update *messages.Update) {
	if s.stopped {
		return
	}
	select {
	case s.updates <- update:
	default:
		log.Printf("⚠️ [%s] Update queue full, dropping %s update", s.UserID, update.Type)
	}
}

// fatal emits a terminal error and tears the session down.
func (s *Session) fatal(code, message string) {
	log.Printf("❌ [%s] Fatal: [%s] %s", s.UserID, code, message)
	s.queueUpdate(messages.NewErrorUpdate(s.UserID, code, message))
	s.shutdown(message)
}

func (s *Session) shutdown(reason string) {
	if s.stopped {
		return
	}
	s.stopped = true
	s.followupGen++
	s.stallGen++
	s.transportGen++

	if s.transport != nil {
		s.transport.Close()
		s.transport = nil
	}

	// Flush any unsynced state before going away. Deep copy: in-flight
	// persistAndSync goroutines may still be reading their own snapshots,
	// but the live state must not be shared off-loop.
	if s.local != nil {
		snapshot := s.local.Clone()
		client := s.client
		st := s.store
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			pending, err := st.SyncPending(ctx, snapshot.UserID)
			if err != nil || !pending {
				return
			}
			if err := client.SyncState(ctx, snapshot.UserID, snapshot); err == nil {
				st.MarkSynced(ctx, snapshot.UserID)
			}
		}()
	}

	select {
	case s.updates <- messages.NewStatusUpdate(s.UserID, messages.StatusEnded, reason):
	default:
	}
	close(s.updates)
	close(s.done)
	log.Printf("👋 [%s] Session ended", s.UserID)
}
