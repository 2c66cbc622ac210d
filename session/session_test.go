package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/room4-2/OpenOnboard/backend"
	"github.com/room4-2/OpenOnboard/config"
	"github.com/room4-2/OpenOnboard/messages"
	"github.com/room4-2/OpenOnboard/realtime"
	"github.com/room4-2/OpenOnboard/store"
)

// fakeTransport captures outbound frames and lets tests inject events and
// connection state changes.
type fakeTransport struct {
	mu         sync.Mutex
	sent       []realtime.ClientEvent
	capture    bool
	closed     bool
	connectErr error
	token      string

	onEvent func(realtime.Event)
	onState func(realtime.ConnState)
}

func (f *fakeTransport) Connect(ctx context.Context, token string) error {
	f.mu.Lock()
	f.token = token
	err := f.connectErr
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) Send(ev realtime.ClientEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeTransport) SetCapture(enabled bool) {
	f.mu.Lock()
	f.capture = enabled
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) captureEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capture
}

func (f *fakeTransport) sentFrames() []realtime.ClientEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]realtime.ClientEvent, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) responseCreates() []realtime.ResponseCreate {
	var out []realtime.ResponseCreate
	for _, ev := range f.sentFrames() {
		if rc, ok := ev.(realtime.ResponseCreate); ok {
			out = append(out, rc)
		}
	}
	return out
}

func (f *fakeTransport) deliver(data string) {
	ev, err := realtime.Decode([]byte(data))
	if err != nil {
		panic(err)
	}
	f.onEvent(ev)
}

// fakeFactory hands out fake transports and remembers them in order.
type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	connectErr error // preset on every transport it creates
}

func (ff *fakeFactory) factory(
	onEvent func(realtime.Event),
	onState func(realtime.ConnState),
	onError func(error),
) (Transport, error) {
	ff.mu.Lock()
	connectErr := ff.connectErr
	ff.mu.Unlock()
	ft := &fakeTransport{capture: true, connectErr: connectErr, onEvent: onEvent, onState: onState}
	ff.mu.Lock()
	ff.transports = append(ff.transports, ft)
	ff.mu.Unlock()
	return ft, nil
}

func (ff *fakeFactory) transport(i int) *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if i >= len(ff.transports) {
		return nil
	}
	return ff.transports[i]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.transports)
}

// testBackend serves the four backend endpoints with canned data.
func testBackend(t *testing.T, toolHandler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/onboarding/agent/config", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"data":{
			"instructions":"guide the user",
			"tools":[{"type":"function","name":"memory_set"}],
			"realtime":{"turn_detection":{"type":"server_vad","threshold":0.5}},
			"kickoff":{"response":{"modalities":["audio","text"],"instructions":"greet the user"}},
			"completed_questions":0,
			"total_questions":5,
			"missing_keys":["net_worth"],
			"state_compact":{"discovery":{}}
		}}`))
	})
	mux.HandleFunc("/onboarding/agent/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"data":{"client_secret":"ek_test"}}`))
	})
	if toolHandler != nil {
		mux.HandleFunc("/onboarding/agent/tool", toolHandler)
	} else {
		mux.HandleFunc("/onboarding/agent/tool", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"ok":true,"data":{"output":{"saved":true}}}`))
		})
	}
	mux.HandleFunc("/onboarding/agent/sync", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(backendURL string) *config.Config {
	return &config.Config{
		BackendURL:        backendURL,
		SignalingURL:      "https://unused.example.com",
		Model:             "rt-test",
		Voice:             "alloy",
		MaxSessions:       10,
		SessionTimeout:    time.Minute,
		HTTPTimeout:       2 * time.Second,
		RetryAttempts:     1,
		RetryDelay:        time.Millisecond,
		ReconnectAttempts: 2,
		ReconnectDelay:    5 * time.Millisecond,
		DedupeWindow:      1200 * time.Millisecond,
		RepeatCooldown:    1600 * time.Millisecond,
		UtteranceCooldown: 1500 * time.Millisecond,
		FollowupWatchdog:  time.Minute, // Keep the watchdog out of the way unless a test wants it
		MaxFrameBuffer:    64 * 1024,
	}
}

// startTestSession boots a session against the fake transport and collects
// its update stream in the background.
func startTestSession(t *testing.T, cfg *config.Config, ff *fakeFactory) (*Session, *updateLog) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	client := backend.NewClient(cfg.BackendURL, cfg.HTTPTimeout, cfg.RetryAttempts, cfg.RetryDelay)
	sess := NewSession("user-1", cfg, client, st, ff.factory)

	ul := &updateLog{}
	go func() {
		for update := range sess.Updates() {
			ul.add(update)
		}
	}()

	sess.Start()
	t.Cleanup(sess.Stop)
	return sess, ul
}

type updateLog struct {
	mu      sync.Mutex
	updates []*messages.Update
}

func (l *updateLog) add(u *messages.Update) {
	l.mu.Lock()
	l.updates = append(l.updates, u)
	l.mu.Unlock()
}

func (l *updateLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, u := range l.updates {
		if u.Type == typ {
			n++
		}
	}
	return n
}

func (l *updateLog) hasError(code string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, u := range l.updates {
		if u.Type != messages.TypeError {
			continue
		}
		if p, ok := u.Payload.(messages.ErrorPayload); ok && p.Code == code {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// openAndReady drives a fake transport through open + session ready.
func openAndReady(t *testing.T, ft *fakeTransport) {
	t.Helper()
	ft.onState(realtime.StateOpen)
	waitFor(t, "session.update frame", func() bool {
		for _, ev := range ft.sentFrames() {
			if _, ok := ev.(realtime.SessionUpdate); ok {
				return true
			}
		}
		return false
	})
	ft.deliver(`{"type":"session.updated","session":{}}`)
}

func TestBootstrapSendsConfigThenKickoff(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}
	startTestSession(t, testConfig(srv.URL), ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	waitFor(t, "token passed to transport", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.token == "ek_test"
	})

	openAndReady(t, ft)

	waitFor(t, "kickoff turn", func() bool { return len(ft.responseCreates()) == 1 })
	frames := ft.sentFrames()
	su, ok := frames[0].(realtime.SessionUpdate)
	if !ok {
		t.Fatalf("first frame = %T, want SessionUpdate", frames[0])
	}
	if su.Session.Instructions != "guide the user" {
		t.Errorf("instructions = %q", su.Session.Instructions)
	}
	if su.Session.TurnDetection["threshold"] != 0.5 {
		t.Errorf("turn detection = %v", su.Session.TurnDetection)
	}
	kickoff := ft.responseCreates()[0]
	if kickoff.Response.Instructions != "greet the user" {
		t.Errorf("kickoff instructions = %q", kickoff.Response.Instructions)
	}
}

func TestTurnQueuedDuringOutputFlushesOnce(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}
	sess, _ := startTestSession(t, testConfig(srv.URL), ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)
	waitFor(t, "kickoff turn", func() bool { return len(ft.responseCreates()) == 1 })

	// The kickoff turn runs; audio starts playing.
	ft.deliver(`{"type":"response.created","response_id":"r1"}`)
	ft.deliver(`{"type":"output_audio_buffer.started"}`)
	waitFor(t, "capture muted during output", func() bool { return !ft.captureEnabled() })

	// A turn requested mid-playback must wait.
	sess.RequestTurn("follow up on savings")
	ft.deliver(`{"type":"response.done","response_id":"r1","status":"completed"}`)

	time.Sleep(30 * time.Millisecond)
	if got := len(ft.responseCreates()); got != 1 {
		t.Fatalf("turns sent = %d, queued turn must wait for audio to stop", got)
	}

	ft.deliver(`{"type":"output_audio_buffer.stopped"}`)
	waitFor(t, "queued turn flush", func() bool { return len(ft.responseCreates()) == 2 })
	if got := ft.responseCreates()[1].Response.Instructions; got != "follow up on savings" {
		t.Errorf("flushed instructions = %q", got)
	}

	// A straggling duplicate stop must not double-send.
	ft.deliver(`{"type":"output_audio_buffer.stopped"}`)
	time.Sleep(30 * time.Millisecond)
	if got := len(ft.responseCreates()); got != 2 {
		t.Errorf("turns sent = %d after duplicate stop, want 2", got)
	}
}

func TestToolResultAlwaysEchoed(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}
	_, ul := startTestSession(t, testConfig(srv.URL), ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)

	ft.deliver(`{"type":"response.function_call_arguments.done","call_id":"call-1","name":"memory_set","arguments":"{\"key\":\"net_worth\",\"value\":\"500k\",\"question_id\":\"q2\"}"}`)

	waitFor(t, "tool result echo", func() bool {
		for _, ev := range ft.sentFrames() {
			if fco, ok := ev.(realtime.FunctionCallOutput); ok && fco.Item.CallID == "call-1" {
				return true
			}
		}
		return false
	})

	waitFor(t, "note update", func() bool { return ul.count(messages.TypeNote) == 1 })
	waitFor(t, "post-memory progress update", func() bool { return ul.count(messages.TypeProgress) >= 2 })

	// The same call id arriving via the output-item path must not re-run.
	ft.deliver(`{"type":"response.output_item.done","item":{"type":"function_call","call_id":"call-1","name":"memory_set","arguments":"{\"key\":\"net_worth\",\"value\":\"500k\"}"}}`)
	time.Sleep(30 * time.Millisecond)

	echoes := 0
	for _, ev := range ft.sentFrames() {
		if fco, ok := ev.(realtime.FunctionCallOutput); ok && fco.Item.CallID == "call-1" {
			echoes++
		}
	}
	if echoes != 1 {
		t.Errorf("echoes = %d, want exactly one per call id", echoes)
	}
}

func TestToolFailureEchoesError(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`backend exploded`))
	})
	ff := &fakeFactory{}
	cfg := testConfig(srv.URL)
	cfg.FollowupWatchdog = 30 * time.Millisecond
	startTestSession(t, cfg, ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)
	waitFor(t, "kickoff turn", func() bool { return len(ft.responseCreates()) == 1 })
	ft.deliver(`{"type":"response.created","response_id":"r1"}`)
	ft.deliver(`{"type":"response.done","response_id":"r1","status":"completed"}`)

	ft.deliver(`{"type":"response.function_call_arguments.done","call_id":"call-9","name":"memory_set","arguments":"{\"key\":\"age\",\"value\":\"34\"}"}`)

	waitFor(t, "failure echo", func() bool {
		for _, ev := range ft.sentFrames() {
			if fco, ok := ev.(realtime.FunctionCallOutput); ok && fco.Item.CallID == "call-9" {
				var payload map[string]string
				if err := json.Unmarshal([]byte(fco.Item.Output), &payload); err != nil {
					return false
				}
				return payload["error"] != ""
			}
		}
		return false
	})

	// A failed call must not arm the followup watchdog.
	time.Sleep(80 * time.Millisecond)
	if got := len(ft.responseCreates()); got != 1 {
		t.Errorf("turns sent = %d, failed tool must not trigger a followup", got)
	}
}

func TestNoFollowupAfterNonMemoryTool(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}
	cfg := testConfig(srv.URL)
	cfg.FollowupWatchdog = 30 * time.Millisecond
	startTestSession(t, cfg, ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)
	waitFor(t, "kickoff turn", func() bool { return len(ft.responseCreates()) == 1 })
	ft.deliver(`{"type":"response.created","response_id":"r1"}`)
	ft.deliver(`{"type":"response.done","response_id":"r1","status":"completed"}`)

	ft.deliver(`{"type":"response.function_call_arguments.done","call_id":"call-10","name":"fetch_profile","arguments":"{}"}`)
	waitFor(t, "tool echo", func() bool {
		for _, ev := range ft.sentFrames() {
			if fco, ok := ev.(realtime.FunctionCallOutput); ok && fco.Item.CallID == "call-10" {
				return true
			}
		}
		return false
	})

	// Only memory updates warrant nudging the agent along.
	time.Sleep(80 * time.Millisecond)
	if got := len(ft.responseCreates()); got != 1 {
		t.Errorf("turns sent = %d, non-memory tool must not trigger a followup", got)
	}
}

func TestMemorySetPersistsLocally(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"data":{"output":{"saved":true,"completed_questions":1,"is_complete":false}}}`))
	})
	ff := &fakeFactory{}

	st, err := store.Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := testConfig(srv.URL)
	client := backend.NewClient(cfg.BackendURL, cfg.HTTPTimeout, cfg.RetryAttempts, cfg.RetryDelay)
	sess := NewSession("user-1", cfg, client, st, ff.factory)
	go func() {
		for range sess.Updates() {
		}
	}()
	sess.Start()
	t.Cleanup(sess.Stop)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)

	ft.deliver(`{"type":"response.function_call_arguments.done","call_id":"call-2","name":"memory_set","arguments":"{\"key\":\"net_worth\",\"value\":\"500k\",\"question_id\":\"q2\"}"}`)

	waitFor(t, "state persisted", func() bool {
		state, err := st.Load(context.Background(), "user-1")
		return err == nil && state != nil && state.Discovery["net_worth"] == "500k"
	})

	state, err := st.Load(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.LastQuestionID != "q2" {
		t.Errorf("LastQuestionID = %q", state.LastQuestionID)
	}
	if state.CompletedQuestions != 1 {
		t.Errorf("CompletedQuestions = %d, want counter from tool output", state.CompletedQuestions)
	}
	waitFor(t, "note appended", func() bool {
		state, err := st.Load(context.Background(), "user-1")
		return err == nil && state != nil && len(state.Notes) == 1
	})
	state, _ = st.Load(context.Background(), "user-1")
	if state.Notes[0].Text != "Net worth recorded as 500k." {
		t.Errorf("note = %q", state.Notes[0].Text)
	}
}

func TestRapidMemoryUpdatesAllPersisted(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}

	st, err := store.Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := testConfig(srv.URL)
	client := backend.NewClient(cfg.BackendURL, cfg.HTTPTimeout, cfg.RetryAttempts, cfg.RetryDelay)
	sess := NewSession("user-1", cfg, client, st, ff.factory)
	go func() {
		for range sess.Updates() {
		}
	}()
	sess.Start()
	t.Cleanup(sess.Stop)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)

	// A burst of memory updates: each one persists off-loop while the run
	// loop keeps folding in the next. Every update must land.
	const burst = 8
	for i := 0; i < burst; i++ {
		ft.deliver(fmt.Sprintf(
			`{"type":"response.function_call_arguments.done","call_id":"call-%d","name":"memory_set","arguments":"{\"key\":\"field_%d\",\"value\":\"v%d\"}"}`,
			i, i, i))
	}

	waitFor(t, "all updates persisted", func() bool {
		state, err := st.Load(context.Background(), "user-1")
		if err != nil || state == nil || len(state.Notes) != burst {
			return false
		}
		for i := 0; i < burst; i++ {
			if state.Discovery[fmt.Sprintf("field_%d", i)] != fmt.Sprintf("v%d", i) {
				return false
			}
		}
		return true
	})
}

func TestFollowupWatchdogPromptsAfterSilentTool(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}
	cfg := testConfig(srv.URL)
	cfg.FollowupWatchdog = 30 * time.Millisecond
	startTestSession(t, cfg, ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)
	waitFor(t, "kickoff turn", func() bool { return len(ft.responseCreates()) == 1 })

	// Kickoff turn completes so the watchdog turn is free to send.
	ft.deliver(`{"type":"response.created","response_id":"r1"}`)
	ft.deliver(`{"type":"response.done","response_id":"r1","status":"completed"}`)

	ft.deliver(`{"type":"response.function_call_arguments.done","call_id":"call-3","name":"memory_set","arguments":"{\"key\":\"age\",\"value\":\"34\"}"}`)

	// Agent stays silent; the watchdog must prompt a followup turn.
	waitFor(t, "watchdog turn", func() bool { return len(ft.responseCreates()) >= 2 })
}

func TestWatchdogCancelledWhenAgentSpeaks(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}
	cfg := testConfig(srv.URL)
	cfg.FollowupWatchdog = 40 * time.Millisecond
	startTestSession(t, cfg, ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)
	waitFor(t, "kickoff turn", func() bool { return len(ft.responseCreates()) == 1 })
	ft.deliver(`{"type":"response.created","response_id":"r1"}`)
	ft.deliver(`{"type":"response.done","response_id":"r1","status":"completed"}`)

	ft.deliver(`{"type":"response.function_call_arguments.done","call_id":"call-4","name":"memory_set","arguments":"{\"key\":\"age\",\"value\":\"34\"}"}`)
	waitFor(t, "tool echo", func() bool {
		for _, ev := range ft.sentFrames() {
			if _, ok := ev.(realtime.FunctionCallOutput); ok {
				return true
			}
		}
		return false
	})

	// The agent continues on its own before the watchdog fires.
	ft.deliver(`{"type":"response.created","response_id":"r2"}`)

	time.Sleep(80 * time.Millisecond)
	if got := len(ft.responseCreates()); got != 1 {
		t.Errorf("turns sent = %d, watchdog must stand down when the agent speaks", got)
	}
}

func TestReconnectBoundedThenTerminal(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}
	cfg := testConfig(srv.URL)
	cfg.ReconnectAttempts = 1
	sess, ul := startTestSession(t, cfg, ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)

	// First drop: one reconnect is allowed.
	ft.onState(realtime.StateFailed)
	waitFor(t, "replacement transport", func() bool { return ff.count() == 2 })
	waitFor(t, "old transport closed", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.closed
	})

	// Second drop before recovering: the budget is spent.
	ft2 := ff.transport(1)
	waitFor(t, "second transport token", func() bool {
		ft2.mu.Lock()
		defer ft2.mu.Unlock()
		return ft2.token == "ek_test"
	})
	ft2.onState(realtime.StateFailed)

	waitFor(t, "terminal connection-lost error", func() bool {
		return ul.hasError(messages.ErrCodeConnectionLost)
	})
	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not shut down after exhausting reconnects")
	}
	if ff.count() != 2 {
		t.Errorf("transports created = %d, want 2", ff.count())
	}
}

func TestReconnectCounterResetsOnReady(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}
	cfg := testConfig(srv.URL)
	cfg.ReconnectAttempts = 1
	_, ul := startTestSession(t, cfg, ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)

	// Drop, recover fully, then drop again: each disruption gets its own
	// budget.
	ft.onState(realtime.StateFailed)
	waitFor(t, "second transport", func() bool { return ff.count() == 2 })
	ft2 := ff.transport(1)
	openAndReady(t, ft2)

	ft2.onState(realtime.StateFailed)
	waitFor(t, "third transport", func() bool { return ff.count() == 3 })

	if ul.hasError(messages.ErrCodeConnectionLost) {
		t.Error("connection-lost raised despite successful recovery in between")
	}
}

func TestTranscriptDedupeEmitsOnce(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}
	_, ul := startTestSession(t, testConfig(srv.URL), ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)
	waitFor(t, "kickoff turn", func() bool { return len(ft.responseCreates()) == 1 })
	ft.deliver(`{"type":"response.created","response_id":"r1"}`)
	ft.deliver(`{"type":"response.done","response_id":"r1","status":"completed"}`)

	// The remote emits both a committed and a transcription-completed event
	// for the same utterance; only one continuation turn may result.
	ft.deliver(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"my net worth is 500k"}`)
	ft.deliver(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"my net worth is 500k"}`)

	waitFor(t, "continuation turn", func() bool { return len(ft.responseCreates()) == 2 })
	time.Sleep(30 * time.Millisecond)
	if got := ul.count(messages.TypeTranscript); got != 1 {
		t.Errorf("transcript updates = %d, want duplicate suppressed", got)
	}
	if got := len(ft.responseCreates()); got != 2 {
		t.Errorf("turns sent = %d, want exactly one continuation", got)
	}
}

func TestExitConfirmedEndsSession(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}
	cfg := testConfig(srv.URL)
	cfg.UtteranceCooldown = time.Millisecond
	sess, _ := startTestSession(t, cfg, ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)
	waitFor(t, "kickoff turn", func() bool { return len(ft.responseCreates()) == 1 })
	ft.deliver(`{"type":"response.created","response_id":"r1"}`)
	ft.deliver(`{"type":"response.done","response_id":"r1","status":"completed"}`)

	// An exit phrase alone must not end the session; it prompts for a
	// confirmation first.
	ft.deliver(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"Stop."}`)
	waitFor(t, "confirmation turn", func() bool { return len(ft.responseCreates()) == 2 })
	if got := ft.responseCreates()[1].Response.Instructions; !strings.Contains(got, "confirm") {
		t.Errorf("instructions = %q, want a confirmation prompt", got)
	}
	select {
	case <-sess.Done():
		t.Fatal("session ended before the user confirmed")
	default:
	}

	ft.deliver(`{"type":"response.created","response_id":"r2"}`)
	ft.deliver(`{"type":"response.done","response_id":"r2","status":"completed"}`)

	// An affirmative answer triggers the wrap-up turn, and the session ends
	// once its audio finishes.
	ft.deliver(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"Yes."}`)
	waitFor(t, "wrap-up turn", func() bool { return len(ft.responseCreates()) == 3 })

	ft.deliver(`{"type":"response.created","response_id":"r3"}`)
	ft.deliver(`{"type":"output_audio_buffer.started"}`)
	ft.deliver(`{"type":"response.done","response_id":"r3","status":"completed"}`)
	ft.deliver(`{"type":"output_audio_buffer.stopped"}`)

	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after confirmed exit")
	}
}

func TestExitDeclinedResumesConversation(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}
	cfg := testConfig(srv.URL)
	cfg.UtteranceCooldown = time.Millisecond
	sess, _ := startTestSession(t, cfg, ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)
	waitFor(t, "kickoff turn", func() bool { return len(ft.responseCreates()) == 1 })
	ft.deliver(`{"type":"response.created","response_id":"r1"}`)
	ft.deliver(`{"type":"response.done","response_id":"r1","status":"completed"}`)

	ft.deliver(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"I'm done."}`)
	waitFor(t, "confirmation turn", func() bool { return len(ft.responseCreates()) == 2 })
	ft.deliver(`{"type":"response.created","response_id":"r2"}`)
	ft.deliver(`{"type":"response.done","response_id":"r2","status":"completed"}`)

	// Declining resumes the normal flow.
	ft.deliver(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"No, keep going."}`)
	waitFor(t, "continuation turn", func() bool { return len(ft.responseCreates()) == 3 })
	if got := ft.responseCreates()[2].Response.Instructions; !strings.Contains(got, "keep going") {
		t.Errorf("instructions = %q, want the resume turn", got)
	}

	time.Sleep(30 * time.Millisecond)
	select {
	case <-sess.Done():
		t.Fatal("session ended despite the user declining")
	default:
	}

	// A later exit phrase asks again rather than remembering the old intent.
	ft.deliver(`{"type":"response.created","response_id":"r3"}`)
	ft.deliver(`{"type":"response.done","response_id":"r3","status":"completed"}`)
	ft.deliver(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"Goodbye."}`)
	waitFor(t, "second confirmation turn", func() bool { return len(ft.responseCreates()) == 4 })
	if got := ft.responseCreates()[3].Response.Instructions; !strings.Contains(got, "confirm") {
		t.Errorf("instructions = %q, want a confirmation prompt", got)
	}
}

func TestCancelledTurnEventsDropped(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}
	_, ul := startTestSession(t, testConfig(srv.URL), ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)
	waitFor(t, "kickoff turn", func() bool { return len(ft.responseCreates()) == 1 })

	ft.deliver(`{"type":"response.created","response_id":"r1","turn_id":"t1"}`)
	ft.deliver(`{"type":"response.canceled","response_id":"r1","turn_id":"t1"}`)

	// Stragglers for the cancelled turn must be ignored.
	ft.deliver(`{"type":"conversation.item.input_audio_transcription.completed","turn_id":"t1","transcript":"stale text"}`)
	time.Sleep(30 * time.Millisecond)
	if got := ul.count(messages.TypeTranscript); got != 0 {
		t.Errorf("transcript updates = %d, cancelled-turn events must be dropped", got)
	}
}

func TestMuteOverridesOutputStop(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{}
	sess, _ := startTestSession(t, testConfig(srv.URL), ff)

	waitFor(t, "transport creation", func() bool { return ff.count() > 0 })
	ft := ff.transport(0)
	openAndReady(t, ft)

	ft.deliver(`{"type":"output_audio_buffer.started"}`)
	waitFor(t, "capture off during output", func() bool { return !ft.captureEnabled() })

	sess.SetMuted(true)
	ft.deliver(`{"type":"output_audio_buffer.stopped"}`)

	// Output ended, but the user mute must keep capture off.
	time.Sleep(30 * time.Millisecond)
	if ft.captureEnabled() {
		t.Error("capture re-enabled while user muted")
	}

	sess.SetMuted(false)
	waitFor(t, "capture restored after unmute", func() bool { return ft.captureEnabled() })
}

func TestPermissionDeniedIsFatalWithoutRetry(t *testing.T) {
	t.Parallel()

	srv := testBackend(t, nil)
	ff := &fakeFactory{connectErr: ErrPermissionDenied}
	sess, ul := startTestSession(t, testConfig(srv.URL), ff)

	waitFor(t, "mic denied error", func() bool { return ul.hasError(messages.ErrCodeMicDenied) })
	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not shut down after permission denial")
	}
	if ff.count() != 1 {
		t.Errorf("transports created = %d, permission denial must not reconnect", ff.count())
	}
}

func TestConfigFetchFailureIsFatal(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ff := &fakeFactory{}
	sess, ul := startTestSession(t, testConfig(srv.URL), ff)

	waitFor(t, "config failure", func() bool { return ul.hasError(messages.ErrCodeConfigFailed) })
	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not shut down after config failure")
	}
	if ff.count() != 0 {
		t.Errorf("transports created = %d, want none", ff.count())
	}
}
