package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelayURL(t *testing.T) {
	assert.Equal(t, "ws://relay/ws/frames/default?role=client",
		RelayURL("ws://relay/ws/frames/", "default", ClientRole))
	assert.Equal(t, "ws://relay/ws/frames/tab%2F1?role=host",
		RelayURL("ws://relay/ws/frames", "tab/1", HostRole))
}
