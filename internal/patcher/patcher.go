// Package patcher reshapes the adapter nodes of the client graph to match
// the schema negotiated during the handshake.
package patcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/framebridge/internal/model/graph"
	"github.com/zhouzirui/framebridge/internal/model/schema"
	"github.com/zhouzirui/framebridge/internal/model/session"
	"github.com/zhouzirui/framebridge/internal/service/workspace"
)

// ErrAlreadyApplied is returned by a second Apply in the same client context.
var ErrAlreadyApplied = errors.New("adapter interface already patched")

// Target is the graph editor the patcher configures.
type Target interface {
	InstallGraphHook(hook workspace.Hook) error
	SetDefaultGraph(raw json.RawMessage) error
	Snapshot() *graph.Graph
	SetExportOverride(fn func(*graph.Graph) (json.RawMessage, error))
}

// embeddedTabs are the session id suffixes of frames embedded in a
// generation tab. Their exports keep returning the stored workflow so the
// host-shaped graph never replaces what the user saved.
var embeddedTabs = []string{"_txt2img", "_img2img"}

// Shape is the negotiated adapter interface.
type Shape struct {
	DisplayName string
	// Outputs of the from-host adapter.
	Outputs []SlotSpec
	// Inputs of the to-host adapter.
	Inputs []SlotSpec
}

// SlotSpec is one adapter slot.
type SlotSpec struct {
	Name string
	Type string
}

// Report summarizes one reshape.
type Report struct {
	Adapters  int
	Severed   []int
	Connected []int
}

// NewShape derives the adapter shape from a resolved descriptor.
func NewShape(desc *session.Descriptor) Shape {
	return Shape{
		DisplayName: desc.Identity.DisplayName,
		Outputs:     slotSpecs(desc.OutputSchema),
		Inputs:      slotSpecs(desc.InputSchema),
	}
}

// Positional slots are named after their type, keyed slots after their key.
func slotSpecs(d schema.Descriptor) []SlotSpec {
	if d.IsZero() {
		return nil
	}
	slots := d.Normalize()
	specs := make([]SlotSpec, len(slots))
	for i, s := range slots {
		name := s.Type
		if d.Kind() == schema.KindNamed {
			name = s.Key
		}
		specs[i] = SlotSpec{Name: name, Type: s.Type}
	}
	return specs
}

// Patcher applies a negotiated shape once per client context.
type Patcher struct {
	target  Target
	logger  zerolog.Logger
	applied atomic.Bool
}

// New returns a patcher for target.
func New(target Target, logger zerolog.Logger) *Patcher {
	return &Patcher{target: target, logger: logger.With().Str("component", "patcher").Logger()}
}

// Applied reports whether Apply has run.
func (p *Patcher) Applied() bool {
	return p.applied.Load()
}

// Apply installs the shape derived from desc on the current graph and on
// every graph loaded later. It must only be called with a resolved
// descriptor, and only once.
func (p *Patcher) Apply(desc *session.Descriptor) error {
	if desc == nil {
		return errors.New("patch without a session descriptor")
	}
	if !p.applied.CompareAndSwap(false, true) {
		return ErrAlreadyApplied
	}

	shape := NewShape(desc)
	log := p.logger.With().Str("session_id", desc.Identity.SessionID).Logger()

	if isEmbedded(desc.Identity.SessionID) {
		stored, err := storedExport(p.target.Snapshot())
		if err != nil {
			return fmt.Errorf("capture stored workflow: %w", err)
		}
		p.target.SetExportOverride(func(*graph.Graph) (json.RawMessage, error) {
			return append(json.RawMessage(nil), stored...), nil
		})
		log.Debug().Int("bytes", len(stored)).Msg("exports pinned to the stored workflow")
	}

	hook := func(g *graph.Graph) {
		report := Reshape(g, shape)
		log.Debug().
			Int("adapters", report.Adapters).
			Ints("severed", report.Severed).
			Ints("connected", report.Connected).
			Msg("adapters reshaped")
	}
	if err := p.target.InstallGraphHook(hook); err != nil {
		return fmt.Errorf("install adapter hook: %w", err)
	}

	if raw := bytes.TrimSpace(desc.DefaultPayload); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := p.target.SetDefaultGraph(raw); err != nil {
			return fmt.Errorf("default payload: %w", err)
		}
	}

	log.Info().
		Int("outputs", len(shape.Outputs)).
		Int("inputs", len(shape.Inputs)).
		Msg("adapter interface patched")
	return nil
}

func isEmbedded(sessionID string) bool {
	for _, suffix := range embeddedTabs {
		if strings.HasSuffix(sessionID, suffix) {
			return true
		}
	}
	return false
}

// storedExport is what the frame had saved before the host took over; an
// empty workspace has nothing saved.
func storedExport(g *graph.Graph) (json.RawMessage, error) {
	if g.IsEmpty() {
		return json.RawMessage("null"), nil
	}
	return g.Marshal()
}

// Reshape rewrites every adapter node of g to match shape. Links made
// incompatible by a type change, or attached to a removed slot, are severed.
// A same-index connection is added when the from-host output and to-host
// input share a type and neither slot is connected yet.
func Reshape(g *graph.Graph, shape Shape) Report {
	var report Report

	fromNodes := g.NodesOfType(graph.FromHostType)
	toNodes := g.NodesOfType(graph.ToHostType)

	for _, n := range fromNodes {
		retitle(n, shape.DisplayName)
		report.Severed = append(report.Severed, reshapeOutputs(g, n, shape.Outputs)...)
		report.Adapters++
	}
	for _, n := range toNodes {
		retitle(n, shape.DisplayName)
		report.Severed = append(report.Severed, reshapeInputs(g, n, shape.Inputs)...)
		report.Adapters++
	}

	if len(fromNodes) == 1 && len(toNodes) == 1 {
		report.Connected = autoConnect(g, fromNodes[0], toNodes[0])
	}
	return report
}

func retitle(n *graph.Node, displayName string) {
	if displayName == "" {
		return
	}
	prefix := displayName + ": "
	base := n.Title
	if base == "" {
		base = n.Type
	}
	if !strings.HasPrefix(base, prefix) {
		base = prefix + base
	}
	n.Title = base
}

func reshapeOutputs(g *graph.Graph, n *graph.Node, specs []SlotSpec) []int {
	var severed []int

	for i := len(specs); i < len(n.Outputs); i++ {
		for _, l := range g.LinksFrom(n.ID, i) {
			g.RemoveLink(l.ID)
			severed = append(severed, l.ID)
		}
	}
	if len(n.Outputs) > len(specs) {
		n.Outputs = n.Outputs[:len(specs)]
	}

	for i, spec := range specs {
		if i >= len(n.Outputs) {
			n.Outputs = append(n.Outputs, &graph.Output{Name: spec.Name, Type: spec.Type, SlotIndex: i})
			continue
		}
		out := n.Outputs[i]
		out.Name, out.SlotIndex = spec.Name, i
		if out.Type == spec.Type {
			continue
		}
		out.Type = spec.Type
		for _, l := range g.LinksFrom(n.ID, i) {
			if !compatibleTarget(g, l, spec.Type) {
				g.RemoveLink(l.ID)
				severed = append(severed, l.ID)
				continue
			}
			l.Type = spec.Type
		}
	}
	return severed
}

func reshapeInputs(g *graph.Graph, n *graph.Node, specs []SlotSpec) []int {
	var severed []int

	for i := len(specs); i < len(n.Inputs); i++ {
		if id := n.Inputs[i].Link; id != nil {
			severed = append(severed, *id)
			g.RemoveLink(*id)
		}
	}
	if len(n.Inputs) > len(specs) {
		n.Inputs = n.Inputs[:len(specs)]
	}

	for i, spec := range specs {
		if i >= len(n.Inputs) {
			n.Inputs = append(n.Inputs, &graph.Input{Name: spec.Name, Type: spec.Type})
			continue
		}
		in := n.Inputs[i]
		in.Name = spec.Name
		if in.Type == spec.Type {
			continue
		}
		in.Type = spec.Type
		if in.Link == nil {
			continue
		}
		l, ok := g.Link(*in.Link)
		if !ok {
			in.Link = nil
			continue
		}
		if !compatibleOrigin(g, l, spec.Type) {
			g.RemoveLink(l.ID)
			severed = append(severed, l.ID)
		}
	}
	return severed
}

func compatibleTarget(g *graph.Graph, l *graph.Link, outType string) bool {
	target, ok := g.Node(l.TargetID)
	if !ok || l.TargetSlot >= len(target.Inputs) {
		return false
	}
	return graph.Compatible(outType, target.Inputs[l.TargetSlot].Type)
}

func compatibleOrigin(g *graph.Graph, l *graph.Link, inType string) bool {
	origin, ok := g.Node(l.OriginID)
	if !ok || l.OriginSlot >= len(origin.Outputs) {
		return false
	}
	return graph.Compatible(origin.Outputs[l.OriginSlot].Type, inType)
}

func autoConnect(g *graph.Graph, from, to *graph.Node) []int {
	var connected []int
	for i := 0; i < len(from.Outputs) && i < len(to.Inputs); i++ {
		out, in := from.Outputs[i], to.Inputs[i]
		if out.Type != in.Type || in.Link != nil || len(out.Links) > 0 {
			continue
		}
		l, err := g.AddLink(from.ID, i, to.ID, i)
		if err != nil {
			continue
		}
		connected = append(connected, l.ID)
	}
	return connected
}
