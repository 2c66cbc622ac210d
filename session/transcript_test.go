package session

import (
	"testing"
	"time"
)

func newTestPipeline() *transcriptPipeline {
	return newTranscriptPipeline(1200*time.Millisecond, 1500*time.Millisecond, 1600*time.Millisecond)
}

func TestCommitAcceptsUtterance(t *testing.T) {
	t.Parallel()
	p := newTestPipeline()

	if got := p.Commit("I make ninety thousand", time.Now()); got != actionContinue {
		t.Fatalf("action = %v, want continue", got)
	}
}

func TestDuplicateInsideDedupeWindowDropped(t *testing.T) {
	t.Parallel()
	p := newTestPipeline()
	now := time.Now()

	if got := p.Commit("my net worth is 500k", now); got != actionContinue {
		t.Fatalf("first commit = %v", got)
	}
	// The same text again inside 1.2s is an echo of the same utterance.
	if got := p.Commit("My net worth is 500k.", now.Add(800*time.Millisecond)); got != actionDrop {
		t.Fatalf("duplicate = %v, want drop", got)
	}
	// Outside both windows it's a legitimate repeat by the user.
	if got := p.Commit("my net worth is 500k", now.Add(3*time.Second)); got != actionContinue {
		t.Fatalf("late repeat = %v, want continue", got)
	}
}

func TestDistinctUtteranceInsideCooldownDropped(t *testing.T) {
	t.Parallel()
	p := newTestPipeline()
	now := time.Now()

	p.Commit("thirty four", now)
	// VAD stutter: different fragment committed right after a real turn.
	if got := p.Commit("years old", now.Add(700*time.Millisecond)); got != actionDrop {
		t.Fatalf("stutter = %v, want drop", got)
	}
	if got := p.Commit("and two kids", now.Add(3*time.Second)); got != actionContinue {
		t.Fatalf("next turn = %v, want continue", got)
	}
}

func TestEmptyCommitAsksForRepeat(t *testing.T) {
	t.Parallel()
	p := newTestPipeline()
	now := time.Now()

	if got := p.Commit("", now); got != actionRepeat {
		t.Fatalf("empty = %v, want repeat", got)
	}
	// Repeat prompts are rate-limited by the repeat cooldown.
	if got := p.Commit("", now.Add(time.Second)); got != actionDrop {
		t.Fatalf("second empty = %v, want drop inside cooldown", got)
	}
	if got := p.Commit("", now.Add(4*time.Second)); got != actionRepeat {
		t.Fatalf("late empty = %v, want repeat", got)
	}
}

func TestEmptyCommitFallsBackToDeltas(t *testing.T) {
	t.Parallel()
	p := newTestPipeline()

	p.AppendDelta("I'm ")
	p.AppendDelta("thirty four")
	if got := p.Commit("", time.Now()); got != actionContinue {
		t.Fatalf("action = %v, want continue from buffered deltas", got)
	}
}

func TestDeltaBufferClearedOnCommit(t *testing.T) {
	t.Parallel()
	p := newTestPipeline()
	now := time.Now()

	p.AppendDelta("leftover")
	p.Commit("actual transcript", now)

	// Stale deltas must not leak into the next empty commit.
	if got := p.Commit("", now.Add(3*time.Second)); got != actionRepeat {
		t.Fatalf("action = %v, want repeat (delta buffer should be empty)", got)
	}
}

func TestExitPhrases(t *testing.T) {
	t.Parallel()

	exits := []string{"stop", "Stop.", "I'm done", "that's all", "goodbye"}
	for _, text := range exits {
		p := newTestPipeline()
		if got := p.Commit(text, time.Now()); got != actionExitConfirm {
			t.Errorf("%q: action = %v, want exitConfirm", text, got)
		}
	}

	// Exit words embedded in an answer are answers.
	p := newTestPipeline()
	if got := p.Commit("I'm done paying off my student loans", time.Now()); got != actionContinue {
		t.Errorf("embedded exit word: action = %v, want continue", got)
	}
}

func TestResetClearsHistory(t *testing.T) {
	t.Parallel()
	p := newTestPipeline()
	now := time.Now()

	p.Commit("hello", now)
	p.Reset()

	// After a reconnect the same text must be accepted fresh.
	if got := p.Commit("hello", now.Add(100*time.Millisecond)); got != actionContinue {
		t.Fatalf("post-reset commit = %v, want continue", got)
	}
}
