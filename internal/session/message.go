// Package session manages live analysis sessions: per-session message
// queues, their lifecycle and reaping, and streaming messages to WebSocket
// consumers.
package session

import (
	"github.com/veridoc/veridoc/internal/finding"
	"github.com/veridoc/veridoc/internal/sched"
)

// MessageType tags each streamed message.
type MessageType string

const (
	// MessageProgress carries a task status transition.
	MessageProgress MessageType = "progress"
	// MessagePartialFinding carries findings as soon as a task settles,
	// before the verdict exists.
	MessagePartialFinding MessageType = "partial_finding"
	// MessageFinalVerdict carries the verdict and closes the stream.
	MessageFinalVerdict MessageType = "final_verdict"
	// MessageError reports a session that could not run at all.
	MessageError MessageType = "error"
)

// Message is one frame on the session stream. Exactly one of the payload
// fields is set, matching Type.
type Message struct {
	Type     MessageType       `json:"type"`
	Progress *sched.Event      `json:"progress,omitempty"`
	Findings []finding.Finding `json:"findings,omitempty"`
	Verdict  *finding.Verdict  `json:"verdict,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// progressMessages splits one scheduler event into stream frames: the
// transition itself, plus a partial-finding frame when the event carries
// findings.
func progressMessages(ev sched.Event) []Message {
	out := []Message{{Type: MessageProgress, Progress: &ev}}
	if len(ev.Findings) > 0 {
		out = append(out, Message{Type: MessagePartialFinding, Findings: ev.Findings})
	}
	return out
}
