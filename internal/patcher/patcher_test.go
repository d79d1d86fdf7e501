package patcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/framebridge/internal/model/graph"
	"github.com/zhouzirui/framebridge/internal/model/schema"
	"github.com/zhouzirui/framebridge/internal/model/session"
	"github.com/zhouzirui/framebridge/internal/service/execution"
	"github.com/zhouzirui/framebridge/internal/service/workspace"
)

func descriptor(in, out schema.Descriptor) *session.Descriptor {
	return &session.Descriptor{
		Identity:     session.Identity{SessionID: "wf-1", ClientKey: "c1", DisplayName: "Demo"},
		InputSchema:  in,
		OutputSchema: out,
	}
}

func adapterGraph() *graph.Graph {
	g := graph.New()
	from := g.AddNode(&graph.Node{Type: graph.FromHostType, Outputs: []*graph.Output{{Name: "IMAGE", Type: "IMAGE"}}})
	to := g.AddNode(&graph.Node{Type: graph.ToHostType, Inputs: []*graph.Input{{Name: "IMAGE", Type: "IMAGE"}}})
	if _, err := g.AddLink(from.ID, 0, to.ID, 0); err != nil {
		panic(err)
	}
	return g
}

func newWorkspace(t *testing.T, g *graph.Graph) *workspace.Service {
	t.Helper()
	ws := workspace.NewService(execution.NewQueue(), zerolog.Nop())
	ws.LoadGraph(g)
	return ws
}

func TestApplyScenarioSingleInputTwoOutputs(t *testing.T) {
	ws := newWorkspace(t, adapterGraph())
	p := New(ws, zerolog.Nop())

	require.NoError(t, p.Apply(descriptor(schema.Single("IMAGE"), schema.Ordered("IMAGE", "MASK"))))

	g := ws.Snapshot()
	from := g.NodesOfType(graph.FromHostType)[0]
	to := g.NodesOfType(graph.ToHostType)[0]

	require.Len(t, from.Outputs, 2)
	assert.Equal(t, "IMAGE", from.Outputs[0].Type)
	assert.Equal(t, "MASK", from.Outputs[1].Type)
	require.Len(t, to.Inputs, 1)
	assert.Equal(t, "IMAGE", to.Inputs[0].Type)

	require.Len(t, g.Links, 1)
	assert.Equal(t, "Demo: FromHost", from.Title)
	assert.Equal(t, "Demo: ToHost", to.Title)
}

func TestApplyRunsOnlyOnce(t *testing.T) {
	ws := newWorkspace(t, adapterGraph())
	p := New(ws, zerolog.Nop())

	desc := descriptor(schema.Single("IMAGE"), schema.Single("IMAGE"))
	require.NoError(t, p.Apply(desc))
	assert.ErrorIs(t, p.Apply(desc), ErrAlreadyApplied)
	assert.True(t, p.Applied())

	g := ws.Snapshot()
	assert.Equal(t, "Demo: FromHost", g.NodesOfType(graph.FromHostType)[0].Title)
}

func TestReshapeSeversIncompatibleLinks(t *testing.T) {
	g := graph.New()
	from := g.AddNode(&graph.Node{Type: graph.FromHostType, Outputs: []*graph.Output{{Name: "IMAGE", Type: "IMAGE"}}})
	upscale := g.AddNode(&graph.Node{Type: "Upscale", Inputs: []*graph.Input{{Name: "image", Type: "IMAGE"}}})
	preview := g.AddNode(&graph.Node{Type: "Preview", Inputs: []*graph.Input{{Name: "any", Type: graph.AnyType}}})
	severedLink, err := g.AddLink(from.ID, 0, upscale.ID, 0)
	require.NoError(t, err)
	keptLink, err := g.AddLink(from.ID, 0, preview.ID, 0)
	require.NoError(t, err)

	report := Reshape(g, Shape{Outputs: []SlotSpec{{Name: "LATENT", Type: "LATENT"}}})

	assert.Equal(t, []int{severedLink.ID}, report.Severed)
	assert.Nil(t, upscale.Inputs[0].Link)
	kept, ok := g.Link(keptLink.ID)
	require.True(t, ok)
	assert.Equal(t, "LATENT", kept.Type)
}

func TestReshapeRemovedSlotsDropTheirLinks(t *testing.T) {
	g := graph.New()
	from := g.AddNode(&graph.Node{Type: graph.FromHostType, Outputs: []*graph.Output{{Type: "IMAGE"}, {Type: "MASK"}}})
	mask := g.AddNode(&graph.Node{Type: "MaskOp", Inputs: []*graph.Input{{Name: "mask", Type: "MASK"}}})
	l, err := g.AddLink(from.ID, 1, mask.ID, 0)
	require.NoError(t, err)

	report := Reshape(g, Shape{Outputs: []SlotSpec{{Name: "IMAGE", Type: "IMAGE"}}})

	assert.Equal(t, []int{l.ID}, report.Severed)
	assert.Len(t, from.Outputs, 1)
	assert.Empty(t, g.Links)
	assert.Nil(t, mask.Inputs[0].Link)
}

func TestReshapeTypeChangeOnBothSidesReconnects(t *testing.T) {
	g := adapterGraph()
	original := g.Links[0].ID

	report := Reshape(g, Shape{
		Outputs: []SlotSpec{{Name: "LATENT", Type: "LATENT"}},
		Inputs:  []SlotSpec{{Name: "LATENT", Type: "LATENT"}},
	})

	assert.Equal(t, []int{original}, report.Severed)
	require.Len(t, report.Connected, 1)
	require.Len(t, g.Links, 1)
	assert.Equal(t, "LATENT", g.Links[0].Type)
}

func TestReshapeNoAutoConnectForDifferentTypes(t *testing.T) {
	g := graph.New()
	g.AddNode(&graph.Node{Type: graph.FromHostType})
	g.AddNode(&graph.Node{Type: graph.ToHostType})

	report := Reshape(g, Shape{
		Outputs: []SlotSpec{{Name: "IMAGE", Type: "IMAGE"}, {Name: "MASK", Type: "MASK"}},
		Inputs:  []SlotSpec{{Name: "MASK", Type: "MASK"}, {Name: "MASK", Type: "MASK"}},
	})

	require.Len(t, report.Connected, 1)
	assert.Equal(t, 1, g.Links[0].OriginSlot)
	assert.Equal(t, 1, g.Links[0].TargetSlot)
}

func TestNamedSlotsUseKeys(t *testing.T) {
	shape := NewShape(descriptor(schema.Named("pixels", "IMAGE"), schema.Named("samples", "LATENT")))
	assert.Equal(t, []SlotSpec{{Name: "pixels", Type: "IMAGE"}}, shape.Inputs)
	assert.Equal(t, []SlotSpec{{Name: "samples", Type: "LATENT"}}, shape.Outputs)
}

func TestShapeSurvivesWorkflowReplacement(t *testing.T) {
	ws := newWorkspace(t, graph.New())
	p := New(ws, zerolog.Nop())
	require.NoError(t, p.Apply(descriptor(schema.Single("IMAGE"), schema.Ordered("IMAGE", "MASK"))))

	raw, err := adapterGraph().Marshal()
	require.NoError(t, err)
	_, err = ws.SetWorkflow(context.Background(), raw)
	require.NoError(t, err)

	from := ws.Snapshot().NodesOfType(graph.FromHostType)[0]
	assert.Len(t, from.Outputs, 2)
}

func TestDefaultPayloadLoadsIntoEmptyWorkspace(t *testing.T) {
	ws := newWorkspace(t, graph.New())
	p := New(ws, zerolog.Nop())

	raw, err := adapterGraph().Marshal()
	require.NoError(t, err)
	desc := descriptor(schema.Single("IMAGE"), schema.Single("IMAGE"))
	desc.DefaultPayload = json.RawMessage(raw)

	require.NoError(t, p.Apply(desc))
	g := ws.Snapshot()
	assert.Len(t, g.Nodes, 2)
	assert.Equal(t, "Demo: ToHost", g.NodesOfType(graph.ToHostType)[0].Title)
}

func embeddedDescriptor(id string) *session.Descriptor {
	desc := descriptor(schema.Single("IMAGE"), schema.Ordered("IMAGE", "MASK"))
	desc.Identity.SessionID = id
	return desc
}

func TestEmbeddedSessionExportsStoredWorkflow(t *testing.T) {
	ws := newWorkspace(t, adapterGraph())
	require.NoError(t, New(ws, zerolog.Nop()).Apply(embeddedDescriptor("postprocess_txt2img")))

	ctx := context.Background()
	exported, err := ws.Export(ctx)
	require.NoError(t, err)
	stored, err := graph.Parse(exported)
	require.NoError(t, err)
	from := stored.NodesOfType(graph.FromHostType)[0]
	assert.Len(t, from.Outputs, 1)
	assert.Empty(t, from.Title)

	raw, err := ws.SerializeGraph(ctx)
	require.NoError(t, err)
	live, err := graph.Parse(raw)
	require.NoError(t, err)
	assert.Len(t, live.NodesOfType(graph.FromHostType)[0].Outputs, 2)
}

func TestEmbeddedSessionWithEmptyWorkspaceExportsNull(t *testing.T) {
	ws := newWorkspace(t, nil)
	require.NoError(t, New(ws, zerolog.Nop()).Apply(embeddedDescriptor("postprocess_img2img")))

	exported, err := ws.Export(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(exported))
}

func TestStandaloneSessionExportsLiveGraph(t *testing.T) {
	ws := newWorkspace(t, adapterGraph())
	require.NoError(t, New(ws, zerolog.Nop()).Apply(embeddedDescriptor("postprocess")))

	exported, err := ws.Export(context.Background())
	require.NoError(t, err)
	g, err := graph.Parse(exported)
	require.NoError(t, err)
	assert.Len(t, g.NodesOfType(graph.FromHostType)[0].Outputs, 2)
}

func TestApplyWithoutSchemasClearsAdapterSlots(t *testing.T) {
	ws := newWorkspace(t, adapterGraph())
	require.NoError(t, New(ws, zerolog.Nop()).Apply(descriptor(schema.Descriptor{}, schema.Descriptor{})))

	g := ws.Snapshot()
	assert.Empty(t, g.NodesOfType(graph.FromHostType)[0].Outputs)
	assert.Empty(t, g.NodesOfType(graph.ToHostType)[0].Inputs)
	assert.Empty(t, g.Links)
}
