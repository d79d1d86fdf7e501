package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/framebridge/internal/client"
	"github.com/zhouzirui/framebridge/internal/frame"
	"github.com/zhouzirui/framebridge/internal/handshake"
	"github.com/zhouzirui/framebridge/internal/model/graph"
	"github.com/zhouzirui/framebridge/internal/model/schema"
	"github.com/zhouzirui/framebridge/internal/model/session"
	"github.com/zhouzirui/framebridge/internal/service/execution"
	"github.com/zhouzirui/framebridge/internal/service/workspace"
)

const (
	hostOrigin   = "http://host.local"
	clientOrigin = "http://client.local"
)

func adapterWorkspace() *workspace.Service {
	g := graph.New()
	g.AddNode(&graph.Node{Type: graph.FromHostType, Outputs: []*graph.Output{{Name: "IMAGE", Type: "IMAGE"}}})
	g.AddNode(&graph.Node{Type: graph.ToHostType, Inputs: []*graph.Input{{Name: "IMAGE", Type: "IMAGE"}}})
	ws := workspace.NewService(execution.NewQueue(), zerolog.Nop())
	ws.LoadGraph(g)
	return ws
}

func TestRuntimeHandshakeThenPatchThenPoll(t *testing.T) {
	var polls atomic.Int32
	registered := make(chan session.PollEnvelope, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env session.PollEnvelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		if polls.Add(1) == 1 {
			registered <- env
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
		_, _ = w.Write([]byte(`{"operation":"__timeout__"}`))
	}))
	defer ts.Close()

	host, frameSide := frame.Pipe(hostOrigin, clientOrigin)
	defer host.Close()

	ws := adapterWorkspace()
	rt := client.New(frameSide, ws, client.Config{HostOrigin: hostOrigin, PollEndpoint: ts.URL}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	feeder := handshake.NewFeeder(10*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, feeder.Feed(ctx, handshake.Target{
		Port:         host,
		TargetOrigin: clientOrigin,
		Message: session.HandshakeMessage{
			SessionID:    "wf-1",
			ClientKey:    "c1",
			DisplayName:  "Demo",
			InputSchema:  schema.Single("IMAGE"),
			OutputSchema: schema.Ordered("IMAGE", "MASK"),
		},
	}))

	select {
	case env := <-registered:
		assert.True(t, env.Register)
		assert.Equal(t, "wf-1", env.SessionID)
		assert.Equal(t, "c1", env.ClientKey)
	case <-time.After(2 * time.Second):
		t.Fatal("client never registered with the server")
	}

	from := ws.Snapshot().NodesOfType(graph.FromHostType)[0]
	require.Len(t, from.Outputs, 2)
	assert.Equal(t, "MASK", from.Outputs[1].Type)
	assert.Equal(t, handshake.StateAcknowledged, rt.Negotiator().State())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRuntimeSkipsSetupWithoutSession(t *testing.T) {
	var polls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		polls.Add(1)
		_, _ = w.Write([]byte(`{"operation":"__timeout__"}`))
	}))
	defer ts.Close()

	mock := clock.NewMock()
	host, frameSide := frame.Pipe(hostOrigin, clientOrigin)
	defer host.Close()

	ws := adapterWorkspace()
	rt := client.New(frameSide, ws, client.Config{
		HostOrigin:   hostOrigin,
		PollEndpoint: ts.URL,
		Clock:        mock,
	}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	var err error
	require.Eventually(t, func() bool {
		mock.Add(500 * time.Millisecond)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, err, handshake.ErrHandshakeTimeout)
	assert.Equal(t, handshake.StateFailed, rt.Negotiator().State())
	assert.Zero(t, polls.Load())
	assert.Empty(t, ws.Snapshot().NodesOfType(graph.FromHostType)[0].Title)
}

func TestRuntimeSurvivesIdentityWithoutSchemas(t *testing.T) {
	registered := make(chan session.PollEnvelope, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env session.PollEnvelope
		_ = json.NewDecoder(r.Body).Decode(&env)
		select {
		case registered <- env:
		default:
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
		_, _ = w.Write([]byte(`{"operation":"__timeout__"}`))
	}))
	defer ts.Close()

	host, frameSide := frame.Pipe(hostOrigin, clientOrigin)
	defer host.Close()

	ws := adapterWorkspace()
	rt := client.New(frameSide, ws, client.Config{HostOrigin: hostOrigin, PollEndpoint: ts.URL}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.NoError(t, host.Post(ctx, []byte(`{"sessionId":"wf-1","clientKey":"c1"}`), clientOrigin))

	select {
	case env := <-registered:
		assert.True(t, env.Register)
		assert.Equal(t, "wf-1", env.SessionID)
	case err := <-done:
		t.Fatalf("runtime stopped before polling: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("client never registered with the server")
	}

	snap := ws.Snapshot()
	assert.Empty(t, snap.NodesOfType(graph.FromHostType)[0].Outputs)
	assert.Empty(t, snap.NodesOfType(graph.ToHostType)[0].Inputs)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
