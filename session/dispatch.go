package session

import (
	"fmt"
	"strings"
)

// toolCall tracks one announced function call while its arguments stream in.
type toolCall struct {
	callID string
	name   string
	args   strings.Builder
}

// toolDispatcher collects streamed function calls and guarantees each callId
// is dispatched exactly once, however many channel events mention it. The
// remote can announce a call via an output item, stream argument deltas, and
// finalize via an args-done event or a done output item; whichever path
// completes first wins. All methods are called from the session run loop only.
type toolDispatcher struct {
	calls     map[string]*toolCall
	processed map[string]bool
}

func newToolDispatcher() *toolDispatcher {
	return &toolDispatcher{
		calls:     make(map[string]*toolCall),
		processed: make(map[string]bool),
	}
}

// Announce registers a call id and its function name. Arguments may arrive
// complete here (done output items) or stream in afterwards.
func (d *toolDispatcher) Announce(callID, name, args string) {
	if callID == "" || d.processed[callID] {
		return
	}
	call := d.calls[callID]
	if call == nil {
		call = &toolCall{callID: callID}
		d.calls[callID] = call
	}
	if name != "" {
		call.name = name
	}
	if args != "" {
		call.args.Reset()
		call.args.WriteString(args)
	}
}

// AppendArgs accumulates a streamed argument fragment.
func (d *toolDispatcher) AppendArgs(callID, delta string) {
	if callID == "" || d.processed[callID] {
		return
	}
	call := d.calls[callID]
	if call == nil {
		call = &toolCall{callID: callID}
		d.calls[callID] = call
	}
	call.args.WriteString(delta)
}

// Finalize marks a call complete and returns it for dispatch, exactly once
// per call id. Later finalizations of the same id return ok=false.
func (d *toolDispatcher) Finalize(callID, name, args string) (dispatchName, dispatchArgs string, ok bool) {
	if callID == "" || d.processed[callID] {
		return "", "", false
	}
	d.processed[callID] = true

	call := d.calls[callID]
	delete(d.calls, callID)

	if name == "" && call != nil {
		name = call.name
	}
	if args == "" && call != nil {
		args = call.args.String()
	}
	if args == "" {
		args = "{}"
	}
	if name == "" {
		return "", "", false
	}
	return name, args, true
}

// Reset drops in-flight argument accumulation but keeps the processed set,
// so a call finalized before a reconnect is never dispatched twice after it.
func (d *toolDispatcher) Reset() {
	d.calls = make(map[string]*toolCall)
}

// notePhrases maps discovery keys to spoken-note templates. Keys absent here
// fall back to the generic template.
var notePhrases = map[string]string{
	"net_worth":      "Net worth recorded as %s.",
	"income":         "Income recorded as %s.",
	"savings_rate":   "Savings rate recorded as %s.",
	"risk_tolerance": "Risk tolerance noted as %s.",
	"age":            "Age noted as %s.",
	"retirement_age": "Target retirement age noted as %s.",
	"dependents":     "Dependents noted as %s.",
	"debt":           "Debt recorded as %s.",
	"goals":          "Goal captured: %s.",
	"timeline":       "Timeline noted as %s.",
}

// noteText renders the human-readable note line for one discovery update.
func noteText(key, value string) string {
	if tmpl, ok := notePhrases[key]; ok {
		return fmt.Sprintf(tmpl, value)
	}
	label := strings.ReplaceAll(key, "_", " ")
	return fmt.Sprintf("Captured %s: %s.", label, value)
}
