package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zhouzirui/framebridge/internal/model/graph"
	"github.com/zhouzirui/framebridge/internal/model/schema"
)

// AutoWorkflow asks for a default graph that wires inputs straight to outputs.
var AutoWorkflow = json.RawMessage(`"auto"`)

var (
	ErrInvalidType          = errors.New("invalid workflow type")
	ErrDuplicateID          = errors.New("workflow type id already exists")
	ErrDuplicateDisplayName = errors.New("workflow type display name already in use")
	ErrFrozen               = errors.New("workflow types cannot change after the ui is instantiated")
	ErrNotFound             = errors.New("workflow type not found")
)

// DefaultTabs are used when a type does not list its tabs.
var DefaultTabs = []string{"txt2img", "img2img"}

// Type describes one kind of embedded workflow: what the host sends in, what
// it expects back, and which graph to start from.
type Type struct {
	BaseID          string            `json:"baseId"`
	DisplayName     string            `json:"displayName"`
	Tabs            []string          `json:"tabs"`
	DefaultWorkflow json.RawMessage   `json:"defaultWorkflow,omitempty"`
	OutputTypes     schema.Descriptor `json:"outputs"`
	InputTypes      schema.Descriptor `json:"inputs"`
}

// Normalize fills defaults and validates the type.
func (t *Type) Normalize() error {
	if t.BaseID == "" {
		return fmt.Errorf("%w: base id is required", ErrInvalidType)
	}
	if t.DisplayName == "" {
		return fmt.Errorf("%w: display name is required for %s", ErrInvalidType, t.BaseID)
	}
	if len(t.Tabs) == 0 {
		t.Tabs = append([]string(nil), DefaultTabs...)
	}
	if t.InputTypes.IsZero() {
		t.InputTypes = t.OutputTypes
	}
	if t.OutputTypes.IsZero() {
		t.OutputTypes = t.InputTypes
	}
	if t.OutputTypes.IsZero() {
		t.InputTypes = schema.Ordered()
		t.OutputTypes = schema.Ordered()
	}

	switch {
	case len(bytes.TrimSpace(t.DefaultWorkflow)) == 0:
		t.DefaultWorkflow = json.RawMessage("null")
	case t.IsAuto():
		if !schema.SameTypes(t.InputTypes, t.OutputTypes) {
			return fmt.Errorf("%w: auto workflow needs identical input and output types (%s)", ErrInvalidType, t.BaseID)
		}
	case !bytes.Equal(bytes.TrimSpace(t.DefaultWorkflow), []byte("null")):
		if err := graph.Validate(t.DefaultWorkflow); err != nil {
			return fmt.Errorf("%s default workflow: %w", t.BaseID, err)
		}
	}
	return nil
}

// IsAuto reports whether the default workflow is generated.
func (t Type) IsAuto() bool {
	return bytes.Equal(bytes.TrimSpace(t.DefaultWorkflow), AutoWorkflow)
}

// IDs returns "<baseID>_<tab>" for each of the type's tabs, restricted to
// the given tabs when any are passed.
func (t Type) IDs(tabs ...string) []string {
	var ids []string
	for _, tab := range t.Tabs {
		if len(tabs) > 0 && !contains(tabs, tab) {
			continue
		}
		ids = append(ids, t.BaseID+"_"+tab)
	}
	return ids
}

// HasID reports whether id is one of the type's tab-qualified ids.
func (t Type) HasID(id string) bool {
	return contains(t.IDs(), id)
}

// String is used in log lines.
func (t Type) String() string {
	return fmt.Sprintf("%q (%s)", t.DisplayName, t.BaseID)
}

// ResolveDefaultGraph returns the type's starting graph, or nil when it has
// none. Auto workflows connect one input adapter to one output adapter.
func (t Type) ResolveDefaultGraph(fromHostType, toHostType string) (*graph.Graph, error) {
	if t.IsAuto() {
		return autoGraph(t, fromHostType, toHostType)
	}
	raw := bytes.TrimSpace(t.DefaultWorkflow)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	return graph.Parse(raw)
}

func autoGraph(t Type, fromHostType, toHostType string) (*graph.Graph, error) {
	g := graph.New()
	from := g.AddNode(&graph.Node{Type: fromHostType})
	to := g.AddNode(&graph.Node{Type: toHostType})
	for i, slot := range t.InputTypes.Normalize() {
		from.Outputs = append(from.Outputs, &graph.Output{Name: slot.Type, Type: slot.Type, SlotIndex: i})
		to.Inputs = append(to.Inputs, &graph.Input{Name: slot.Type, Type: slot.Type})
	}
	for i := range from.Outputs {
		if _, err := g.AddLink(from.ID, i, to.ID, i); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
