package workspace_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/framebridge/internal/model/graph"
	"github.com/zhouzirui/framebridge/internal/model/prompt"
	"github.com/zhouzirui/framebridge/internal/service/execution"
	"github.com/zhouzirui/framebridge/internal/service/workspace"
)

const twoNodeWorkflow = `{
  "last_node_id": 2, "last_link_id": 0,
  "nodes": [
    {"id": 1, "type": "FromHost", "outputs": [{"name": "IMAGE", "type": "IMAGE", "links": []}]},
    {"id": 2, "type": "ToHost", "inputs": [{"name": "IMAGE", "type": "IMAGE", "link": null}]}
  ],
  "links": []
}`

func newService() (*workspace.Service, *execution.Queue) {
	q := execution.NewQueue()
	return workspace.NewService(q, zerolog.Nop()), q
}

func TestQueuePromptEnqueuesCanonicalGraph(t *testing.T) {
	svc, q := newService()
	ctx := context.Background()
	_, err := svc.SetWorkflow(ctx, json.RawMessage(twoNodeWorkflow))
	require.NoError(t, err)

	res, err := svc.QueuePrompt(ctx, prompt.QueueOptions{Front: true})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.NotEmpty(t, res.PromptID)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Front)
}

func TestQueuePromptChecksRequiredNodeTypes(t *testing.T) {
	svc, q := newService()
	ctx := context.Background()
	_, err := svc.SetWorkflow(ctx, json.RawMessage(twoNodeWorkflow))
	require.NoError(t, err)

	res, err := svc.QueuePrompt(ctx, prompt.QueueOptions{RequiredNodeTypes: []graph.NodeCount{{Type: "FromHost", Count: 2}}})
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Zero(t, q.Len())

	res, err = svc.QueuePrompt(ctx, prompt.QueueOptions{RequiredNodeTypes: []graph.NodeCount{{Type: "FromHost", Count: 1}}})
	require.NoError(t, err)
	assert.True(t, res.Queued)
}

func TestSerializeGraphBypassesExportOverride(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	_, err := svc.SetWorkflow(ctx, json.RawMessage(twoNodeWorkflow))
	require.NoError(t, err)

	svc.SetExportOverride(func(*graph.Graph) (json.RawMessage, error) {
		return json.RawMessage(`{"stored":true}`), nil
	})

	exported, err := svc.Export(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stored":true}`, string(exported))

	raw, err := svc.SerializeGraph(ctx)
	require.NoError(t, err)
	g, err := graph.Parse(raw)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2)
}

func TestSetWorkflowRejectsInvalidGraph(t *testing.T) {
	svc, _ := newService()
	_, err := svc.SetWorkflow(context.Background(), json.RawMessage(`{"nodes":"x","links":[]}`))
	assert.ErrorIs(t, err, graph.ErrInvalidWorkflow)

	_, err = svc.SetWorkflow(context.Background(), nil)
	assert.ErrorIs(t, err, workspace.ErrNoWorkflow)
}

func TestHooksRunOnEveryLoad(t *testing.T) {
	svc, _ := newService()
	calls := 0
	require.NoError(t, svc.InstallGraphHook(func(g *graph.Graph) { calls++ }))
	assert.Equal(t, 1, calls)

	_, err := svc.SetWorkflow(context.Background(), json.RawMessage(twoNodeWorkflow))
	require.NoError(t, err)
	svc.LoadGraph(nil)
	assert.Equal(t, 3, calls)
}

func TestDefaultGraphLoadsWhenEmpty(t *testing.T) {
	svc, _ := newService()
	require.NoError(t, svc.SetDefaultGraph(json.RawMessage(twoNodeWorkflow)))
	assert.Len(t, svc.Snapshot().Nodes, 2)

	svc.LoadGraph(graph.New())
	assert.True(t, svc.Snapshot().IsEmpty())

	svc.LoadGraph(nil)
	assert.Len(t, svc.Snapshot().Nodes, 2)
}

func TestSaveThenRestoreRoundTripsThroughExport(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "workflow.json")

	svc, _ := newService()
	_, err := svc.SetWorkflow(ctx, json.RawMessage(twoNodeWorkflow))
	require.NoError(t, err)
	require.NoError(t, svc.Save(ctx, path))

	restored, _ := newService()
	ok, err := restored.Restore(ctx, path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, restored.Snapshot().Nodes, 2)
}

func TestSaveUsesExportOverride(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "workflow.json")

	svc, _ := newService()
	_, err := svc.SetWorkflow(ctx, json.RawMessage(twoNodeWorkflow))
	require.NoError(t, err)
	svc.SetExportOverride(func(*graph.Graph) (json.RawMessage, error) {
		return json.RawMessage("null"), nil
	})

	require.NoError(t, svc.Save(ctx, path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreWithoutSavedFile(t *testing.T) {
	svc, _ := newService()
	ok, err := svc.Restore(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, svc.Snapshot().IsEmpty())
}
