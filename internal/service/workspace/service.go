// Package workspace holds the graph currently open in the client frame and
// exposes the narrow calls the request dispatcher needs from the editor.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/framebridge/internal/model/graph"
	"github.com/zhouzirui/framebridge/internal/model/prompt"
	"github.com/zhouzirui/framebridge/internal/service/execution"
)

var ErrNoWorkflow = errors.New("workflow is required")

// Executor queues serialized graphs for execution.
type Executor interface {
	Enqueue(ctx context.Context, prompt json.RawMessage, front bool) (execution.Ticket, error)
}

// Hook is re-applied to every graph the workspace loads.
type Hook func(g *graph.Graph)

// Service is an in-memory graph editor.
type Service struct {
	mu           sync.Mutex
	graph        *graph.Graph
	defaultGraph *graph.Graph
	hooks        []Hook
	override     func(*graph.Graph) (json.RawMessage, error)

	executor Executor
	logger   zerolog.Logger
}

// NewService starts with an empty graph.
func NewService(executor Executor, logger zerolog.Logger) *Service {
	return &Service{
		graph:    graph.New(),
		executor: executor,
		logger:   logger.With().Str("component", "workspace").Logger(),
	}
}

// QueuePrompt serializes the current graph and enqueues it. When required
// node types are given and the graph does not hold precisely those counts,
// nothing is queued.
func (s *Service) QueuePrompt(ctx context.Context, opts prompt.QueueOptions) (prompt.QueueResult, error) {
	s.mu.Lock()
	if len(opts.RequiredNodeTypes) > 0 && !s.graph.ContainsExactly(opts.RequiredNodeTypes) {
		s.mu.Unlock()
		s.logger.Info().Interface("required", opts.RequiredNodeTypes).Msg("graph does not match required node types, not queued")
		return prompt.QueueResult{Queued: false, Reason: "required node types not present"}, nil
	}
	raw, err := s.graph.Marshal()
	s.mu.Unlock()
	if err != nil {
		return prompt.QueueResult{}, fmt.Errorf("serialize graph: %w", err)
	}

	ticket, err := s.executor.Enqueue(ctx, raw, opts.Front)
	if err != nil {
		return prompt.QueueResult{}, fmt.Errorf("enqueue prompt: %w", err)
	}

	s.logger.Info().Int("number", ticket.Number).Bool("front", opts.Front).Msg("queued prompt")
	return prompt.QueueResult{Queued: true, Number: ticket.Number, PromptID: ticket.PromptID}, nil
}

// SerializeGraph returns the canonical serialization of the current graph,
// ignoring any export override.
func (s *Service) SerializeGraph(_ context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Marshal()
}

// Export serializes through the override when one is set.
func (s *Service) Export(_ context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.override != nil {
		return s.override(s.graph.Clone())
	}
	return s.graph.Marshal()
}

// SetExportOverride replaces how Export shapes its output.
func (s *Service) SetExportOverride(fn func(*graph.Graph) (json.RawMessage, error)) {
	s.mu.Lock()
	s.override = fn
	s.mu.Unlock()
}

// SetWorkflow validates raw and replaces the current graph with it.
func (s *Service) SetWorkflow(_ context.Context, raw json.RawMessage) (prompt.SetWorkflowResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return prompt.SetWorkflowResult{}, ErrNoWorkflow
	}

	g, err := graph.Parse(trimmed)
	if err != nil {
		return prompt.SetWorkflowResult{}, err
	}

	s.mu.Lock()
	s.loadLocked(g)
	result := prompt.SetWorkflowResult{Nodes: len(s.graph.Nodes), Links: len(s.graph.Links)}
	s.mu.Unlock()

	s.logger.Info().Int("nodes", result.Nodes).Int("links", result.Links).Msg("workflow replaced")
	return result, nil
}

// Restore loads the workflow saved at path. It reports false when nothing
// was saved there.
func (s *Service) Restore(ctx context.Context, path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read saved workflow: %w", err)
	}
	if _, err := s.SetWorkflow(ctx, raw); err != nil {
		return false, fmt.Errorf("restore %s: %w", path, err)
	}
	return true, nil
}

// Save writes the exported workflow to path. A null export leaves the file
// untouched.
func (s *Service) Save(ctx context.Context, path string) error {
	raw, err := s.Export(ctx)
	if err != nil {
		return fmt.Errorf("export workflow: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, trimmed, 0o644); err != nil {
		return fmt.Errorf("write saved workflow: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write saved workflow: %w", err)
	}
	s.logger.Info().Str("path", path).Int("bytes", len(trimmed)).Msg("workflow saved")
	return nil
}

// LoadGraph replaces the current graph. A nil graph loads the default graph,
// or an empty one when there is none.
func (s *Service) LoadGraph(g *graph.Graph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(g)
}

// SetDefaultGraph records the graph LoadGraph(nil) falls back to, and loads
// it now when the workspace is empty.
func (s *Service) SetDefaultGraph(raw json.RawMessage) error {
	g, err := graph.Parse(raw)
	if err != nil {
		return fmt.Errorf("default graph: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultGraph = g
	if s.graph.IsEmpty() {
		s.loadLocked(nil)
	}
	return nil
}

// InstallGraphHook applies hook to the current graph and every graph
// loaded afterwards.
func (s *Service) InstallGraphHook(hook Hook) error {
	if hook == nil {
		return errors.New("nil graph hook")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
	hook(s.graph)
	return nil
}

// Snapshot returns a copy of the current graph.
func (s *Service) Snapshot() *graph.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Clone()
}

func (s *Service) loadLocked(g *graph.Graph) {
	switch {
	case g != nil:
		s.graph = g
	case s.defaultGraph != nil:
		s.graph = s.defaultGraph.Clone()
	default:
		s.graph = graph.New()
	}
	for _, hook := range s.hooks {
		hook(s.graph)
	}
}
