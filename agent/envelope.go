// Package agent implements the bounded tool-calling loop that turns a
// clinical question into a grounded answer: the model decides which
// retrieval tools to call, tool results flow back as structured JSON,
// and hard iteration and wall-clock limits guarantee termination.
package agent

import (
	"encoding/json"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/rag"
)

// Status classifies a tool execution outcome inside its result
// envelope. Tool failures are data for the model to reason about, never
// exceptions that abort the loop.
type Status string

const (
	StatusOK                    Status = "ok"
	StatusCapabilityUnavailable Status = "capability_unavailable"
	StatusError                 Status = "error"
)

// Envelope is the uniform JSON shape every tool result takes.
type Envelope struct {
	Status Status `json:"status"`
	Data   any    `json:"data,omitempty"`
	Note   string `json:"note,omitempty"`
}

// envelopeFor wraps a tool outcome. Capability gaps carry a note telling
// the model how to proceed without the missing source; anything else
// non-nil is an ordinary tool error.
func envelopeFor(data any, err error) Envelope {
	if err == nil {
		return Envelope{Status: StatusOK, Data: data}
	}
	if rag.CodeOf(err) == rag.CodeCapabilityUnavailable {
		return Envelope{
			Status: StatusCapabilityUnavailable,
			Note:   "this capability is not available; answer from the remaining sources and say so",
		}
	}
	return Envelope{Status: StatusError, Note: err.Error()}
}

// Encode renders the envelope as the tool-result message content. An
// envelope that cannot marshal falls back to a plain error envelope so
// the model always receives valid JSON.
func (e Envelope) Encode() string {
	b, err := json.Marshal(e)
	if err != nil {
		b, _ = json.Marshal(Envelope{Status: StatusError, Note: "tool result not serializable"})
	}
	return string(b)
}
