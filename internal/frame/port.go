// Package frame is the cross-context messaging primitive between a host
// page and an embedded client frame. Delivery is asynchronous and
// origin-restricted; ports neither order nor deduplicate on behalf of callers.
package frame

import (
	"context"
	"encoding/json"
	"errors"
)

// AnyOrigin lets a post reach a peer of any origin.
const AnyOrigin = "*"

// ErrClosed is returned when posting on a closed port.
var ErrClosed = errors.New("frame port closed")

// Message is one delivered post.
type Message struct {
	Origin string
	Data   []byte
}

// Port is one side of a frame channel.
type Port interface {
	// Origin is the origin the peer sees on this port's posts.
	Origin() string
	// Messages yields inbound posts until Done is closed.
	Messages() <-chan Message
	// Done is closed once the port is torn down.
	Done() <-chan struct{}
	// Post sends data to the peer when its origin matches targetOrigin.
	// A mismatched origin drops the post without error.
	Post(ctx context.Context, data []byte, targetOrigin string) error
	Close() error
}

// OriginMatches reports whether a post aimed at target may be delivered to
// a receiver with the given origin.
func OriginMatches(target, origin string) bool {
	return target == AnyOrigin || target == origin
}

// Envelope is the relay wire format. Senders fill TargetOrigin, receivers
// see Origin.
type Envelope struct {
	Origin       string          `json:"origin,omitempty"`
	TargetOrigin string          `json:"targetOrigin,omitempty"`
	Data         json.RawMessage `json:"data"`
}
