package session

import (
	"strings"
	"time"
)

// commitAction is the pipeline's verdict on one committed utterance.
type commitAction int

const (
	actionDrop commitAction = iota
	actionContinue
	actionExitConfirm
	actionRepeat
)

func (a commitAction) String() string {
	switch a {
	case actionDrop:
		return "drop"
	case actionContinue:
		return "continue"
	case actionExitConfirm:
		return "exitConfirm"
	case actionRepeat:
		return "repeat"
	}
	return "unknown"
}

// exitPhrases end the conversation when spoken alone. Matched against the
// whole normalized utterance, not substrings, so "I'm done with savings"
// still counts as an answer.
var exitPhrases = map[string]bool{
	"stop":       true,
	"pause":      true,
	"done":       true,
	"quit":       true,
	"exit":       true,
	"goodbye":    true,
	"bye":        true,
	"that's all": true,
	"thats all":  true,
	"i'm done":   true,
	"im done":    true,
	"we're done": true,
	"were done":  true,
}

// affirmations confirm a pending exit prompt. Exit phrases double as
// confirmations, so repeating "stop" still ends the session.
var affirmations = map[string]bool{
	"yes":          true,
	"yeah":         true,
	"yep":          true,
	"yup":          true,
	"sure":         true,
	"correct":      true,
	"yes please":   true,
	"that's right": true,
	"thats right":  true,
	"end it":       true,
	"please stop":  true,
}

// isAffirmative reports whether an utterance confirms a pending exit prompt.
func isAffirmative(text string) bool {
	n := normalizeUtterance(text)
	return affirmations[n] || exitPhrases[n]
}

// transcriptPipeline debounces committed utterances so one real user turn
// never produces two agent turns. It also accumulates streaming transcript
// deltas as a fallback for commits whose final transcript arrives empty.
// All methods are called from the session run loop only.
type transcriptPipeline struct {
	dedupeWindow      time.Duration
	utteranceCooldown time.Duration
	repeatCooldown    time.Duration

	deltaBuf strings.Builder

	lastText     string
	lastCommit   time.Time
	lastAccepted time.Time
	lastRepeat   time.Time
}

func newTranscriptPipeline(dedupe, cooldown, repeat time.Duration) *transcriptPipeline {
	return &transcriptPipeline{
		dedupeWindow:      dedupe,
		utteranceCooldown: cooldown,
		repeatCooldown:    repeat,
	}
}

// AppendDelta accumulates a streaming transcript fragment.
func (p *transcriptPipeline) AppendDelta(delta string) {
	p.deltaBuf.WriteString(delta)
}

// TakeBuffer returns the accumulated delta text and resets the accumulator.
func (p *transcriptPipeline) TakeBuffer() string {
	out := p.deltaBuf.String()
	p.deltaBuf.Reset()
	return out
}

// Commit judges one finalized utterance. Empty text (after falling back to
// the delta buffer) asks for a repeat, rate-limited by the repeat cooldown.
// Identical text inside the dedupe window, or any text inside the utterance
// cooldown, is an echo or a stutter and is dropped.
func (p *transcriptPipeline) Commit(text string, now time.Time) commitAction {
	buffered := p.TakeBuffer()
	text = strings.TrimSpace(text)
	if text == "" {
		text = strings.TrimSpace(buffered)
	}

	if text == "" {
		if !p.lastRepeat.IsZero() && now.Sub(p.lastRepeat) < p.repeatCooldown {
			return actionDrop
		}
		p.lastRepeat = now
		return actionRepeat
	}

	normalized := normalizeUtterance(text)

	if normalized == p.lastText && !p.lastCommit.IsZero() && now.Sub(p.lastCommit) < p.dedupeWindow {
		p.lastCommit = now
		return actionDrop
	}
	p.lastText = normalized
	p.lastCommit = now

	if !p.lastAccepted.IsZero() && now.Sub(p.lastAccepted) < p.utteranceCooldown {
		return actionDrop
	}
	p.lastAccepted = now

	if exitPhrases[normalized] {
		return actionExitConfirm
	}
	return actionContinue
}

// Reset clears debounce history. Used when the transport reconnects.
func (p *transcriptPipeline) Reset() {
	p.deltaBuf.Reset()
	p.lastText = ""
	p.lastCommit = time.Time{}
	p.lastAccepted = time.Time{}
	p.lastRepeat = time.Time{}
}

func normalizeUtterance(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	return strings.TrimRight(s, ".!?,")
}
