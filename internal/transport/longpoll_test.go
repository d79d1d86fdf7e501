package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/framebridge/internal/dispatch"
	"github.com/zhouzirui/framebridge/internal/model/prompt"
	"github.com/zhouzirui/framebridge/internal/model/schema"
	"github.com/zhouzirui/framebridge/internal/model/session"
	"github.com/zhouzirui/framebridge/internal/service/execution"
	"github.com/zhouzirui/framebridge/internal/service/workspace"
	"github.com/zhouzirui/framebridge/internal/transport"
)

const timeoutReply = `{"operation":"__timeout__"}`

// pollServer records every envelope and answers from reply.
type pollServer struct {
	mu    sync.Mutex
	seen  []session.PollEnvelope
	reply func(n int, w http.ResponseWriter, r *http.Request)
}

func (s *pollServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var env session.PollEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.seen = append(s.seen, env)
	n := len(s.seen)
	s.mu.Unlock()
	s.reply(n, w, r)
}

func (s *pollServer) envelopes() []session.PollEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.PollEnvelope(nil), s.seen...)
}

// idle stands in for the server's wait budget.
func idle(w http.ResponseWriter, r *http.Request) {
	select {
	case <-r.Context().Done():
		return
	case <-time.After(10 * time.Millisecond):
	}
	_, _ = w.Write([]byte(timeoutReply))
}

func sessionContext() *session.Context {
	return session.NewContext(&session.Descriptor{
		Identity:     session.Identity{SessionID: "wf-1", ClientKey: "c1", DisplayName: "Demo"},
		InputSchema:  schema.Single("IMAGE"),
		OutputSchema: schema.Ordered("IMAGE", "MASK"),
	})
}

func workspaceDispatcher() *dispatch.Dispatcher {
	ws := workspace.NewService(execution.NewQueue(), zerolog.Nop())
	return dispatch.New(dispatch.NewHandlerTable(ws), zerolog.Nop())
}

// start runs tr in the background; the returned stop cancels and waits.
func start(t *testing.T, tr *transport.Transport) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, sessionContext()) }()

	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("transport did not stop after cancel")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestRegisterQueueAndReportPayload(t *testing.T) {
	srv := &pollServer{reply: func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			_, _ = w.Write([]byte(`{"requestId":"r1","operation":"queue_prompt","parameters":{"queueFront":false}}`))
			return
		}
		idle(w, r)
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	tr := transport.New(transport.Config{Endpoint: ts.URL}, workspaceDispatcher(), zerolog.Nop())
	start(t, tr)

	require.Eventually(t, func() bool { return len(srv.envelopes()) >= 2 }, 2*time.Second, 5*time.Millisecond)

	seen := srv.envelopes()
	assert.True(t, seen[0].Register)
	assert.Equal(t, "wf-1", seen[0].SessionID)
	assert.Equal(t, "c1", seen[0].ClientKey)

	require.NotNil(t, seen[1].Response)
	assert.Equal(t, "r1", seen[1].Response.RequestID)
	assert.False(t, seen[1].Response.Failed())

	var result prompt.QueueResult
	require.NoError(t, json.Unmarshal(seen[1].Response.Payload, &result))
	assert.True(t, result.Queued)
	assert.Equal(t, 1, result.Number)
	assert.NotEmpty(t, result.PromptID)
}

func TestTimeoutReplySendsNoResponse(t *testing.T) {
	srv := &pollServer{reply: func(_ int, w http.ResponseWriter, r *http.Request) { idle(w, r) }}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	tr := transport.New(transport.Config{Endpoint: ts.URL}, workspaceDispatcher(), zerolog.Nop())
	start(t, tr)

	require.Eventually(t, func() bool { return len(srv.envelopes()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	for _, env := range srv.envelopes()[1:] {
		assert.False(t, env.Register)
		assert.Nil(t, env.Response)
	}
	assert.Zero(t, tr.Stats().Dispatched)
}

func TestFailureRetriesAfterDelayWithErrorMarker(t *testing.T) {
	mock := clock.NewMock()
	srv := &pollServer{reply: func(n int, w http.ResponseWriter, r *http.Request) {
		switch n {
		case 1:
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		case 2:
			_, _ = w.Write([]byte(`{"requestId":"r7","operation":"serialize_graph"}`))
		default:
			idle(w, r)
		}
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	tr := transport.New(transport.Config{Endpoint: ts.URL, Clock: mock}, workspaceDispatcher(), zerolog.Nop())
	start(t, tr)

	require.Eventually(t, func() bool { return tr.Stats().Failures == 1 }, 2*time.Second, 5*time.Millisecond)

	// No retry until the delay elapses on the clock.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, srv.envelopes(), 1)

	require.Eventually(t, func() bool {
		mock.Add(transport.DefaultRetryDelay)
		return len(srv.envelopes()) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	seen := srv.envelopes()
	require.NotNil(t, seen[1].Response)
	assert.Contains(t, seen[1].Response.Error, "TransportFailure")
	assert.Contains(t, seen[1].Response.Error, "502")

	require.NotNil(t, seen[2].Response)
	assert.Equal(t, "r7", seen[2].Response.RequestID)
	assert.JSONEq(t, `{"last_node_id":0,"last_link_id":0,"nodes":[],"links":[],"version":0.4}`, string(seen[2].Response.Payload))
}

func TestMalformedReplyIsRetried(t *testing.T) {
	srv := &pollServer{reply: func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			_, _ = w.Write([]byte(`<html>gateway</html>`))
			return
		}
		idle(w, r)
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	tr := transport.New(transport.Config{Endpoint: ts.URL, RetryDelay: time.Millisecond}, workspaceDispatcher(), zerolog.Nop())
	start(t, tr)

	require.Eventually(t, func() bool { return len(srv.envelopes()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	seen := srv.envelopes()
	require.NotNil(t, seen[1].Response)
	assert.Contains(t, seen[1].Response.Error, "malformed reply")
}

// slowDispatcher records overlapping calls.
type slowDispatcher struct {
	inFlight atomic.Int32
	overlaps atomic.Int32
	calls    atomic.Int32
}

func (d *slowDispatcher) Dispatch(_ context.Context, req session.PendingRequest) session.PendingResponse {
	if d.inFlight.Add(1) > 1 {
		d.overlaps.Add(1)
	}
	defer d.inFlight.Add(-1)
	d.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return session.PendingResponse{RequestID: req.RequestID, Payload: json.RawMessage(`true`)}
}

func TestRequestsAreNeverDispatchedConcurrently(t *testing.T) {
	d := &slowDispatcher{}
	var pollsDuringDispatch atomic.Int32

	srv := &pollServer{reply: func(n int, w http.ResponseWriter, _ *http.Request) {
		if d.inFlight.Load() > 0 {
			pollsDuringDispatch.Add(1)
		}
		_ = json.NewEncoder(w).Encode(session.PendingRequest{RequestID: string(rune('a' + n%26)), Operation: "queue_prompt"})
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	tr := transport.New(transport.Config{Endpoint: ts.URL}, d, zerolog.Nop())
	stop := start(t, tr)

	require.Eventually(t, func() bool { return d.calls.Load() >= 10 }, 5*time.Second, 5*time.Millisecond)
	_ = stop()

	assert.Zero(t, d.overlaps.Load())
	assert.Zero(t, pollsDuringDispatch.Load())
}

func TestCancelAbandonsInFlightPoll(t *testing.T) {
	arrived := make(chan struct{}, 1)
	srv := &pollServer{reply: func(_ int, _ http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-r.Context().Done()
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	tr := transport.New(transport.Config{Endpoint: ts.URL}, workspaceDispatcher(), zerolog.Nop())
	stop := start(t, tr)

	<-arrived
	assert.ErrorIs(t, stop(), context.Canceled)
	assert.Zero(t, tr.Stats().Failures)
}

func TestRunWithoutSession(t *testing.T) {
	tr := transport.New(transport.Config{Endpoint: "http://127.0.0.1:0"}, workspaceDispatcher(), zerolog.Nop())
	assert.Error(t, tr.Run(context.Background(), nil))
}
