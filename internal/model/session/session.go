// Package session holds the data exchanged between host, client and server
// once a frame has been identified.
package session

import (
	"encoding/json"

	"github.com/zhouzirui/framebridge/internal/model/schema"
)

// Identity names one client context. It is fixed once the handshake resolves.
type Identity struct {
	SessionID   string `json:"sessionId"`
	ClientKey   string `json:"clientKey"`
	DisplayName string `json:"displayName"`
}

// Descriptor is the result of a successful handshake.
type Descriptor struct {
	Identity       Identity          `json:"identity"`
	InputSchema    schema.Descriptor `json:"inputSchema"`
	OutputSchema   schema.Descriptor `json:"outputSchema"`
	DefaultPayload json.RawMessage   `json:"defaultPayload,omitempty"`
}

// HandshakeMessage is what the host posts into a client frame.
type HandshakeMessage struct {
	SessionID      string            `json:"sessionId"`
	ClientKey      string            `json:"clientKey"`
	DisplayName    string            `json:"displayName"`
	InputSchema    schema.Descriptor `json:"inputSchema"`
	OutputSchema   schema.Descriptor `json:"outputSchema"`
	DefaultPayload json.RawMessage   `json:"defaultPayload,omitempty"`
}

// Descriptor converts the message into the resolved session descriptor.
// A missing input schema falls back to the output schema and vice versa;
// with neither, both sides have no slots.
func (m HandshakeMessage) Descriptor() *Descriptor {
	in, out := m.InputSchema, m.OutputSchema
	if in.IsZero() {
		in = out
	}
	if out.IsZero() {
		out = in
	}
	if in.IsZero() {
		in, out = schema.Ordered(), schema.Ordered()
	}
	return &Descriptor{
		Identity: Identity{
			SessionID:   m.SessionID,
			ClientKey:   m.ClientKey,
			DisplayName: m.DisplayName,
		},
		InputSchema:    in,
		OutputSchema:   out,
		DefaultPayload: append(json.RawMessage(nil), m.DefaultPayload...),
	}
}

// Context is the per-session state shared by the transport and the
// dispatcher. It is read-only after construction.
type Context struct {
	Descriptor *Descriptor
}

// NewContext wraps a resolved descriptor.
func NewContext(desc *Descriptor) *Context {
	return &Context{Descriptor: desc}
}

// Identity is a shortcut for the descriptor's identity.
func (c *Context) Identity() Identity {
	return c.Descriptor.Identity
}
