// Package dispatch maps server-issued operations to client-side handlers.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/framebridge/internal/model/prompt"
	"github.com/zhouzirui/framebridge/internal/model/session"
)

var (
	// ErrUnknownOperation is reported for an operation with no handler.
	ErrUnknownOperation = errors.New("UnknownOperation")
	// ErrHandlerFailure wraps any error or panic raised by a handler.
	ErrHandlerFailure = errors.New("HandlerFailure")
)

// Operation is a server-issued command name.
type Operation int

const (
	OpUnknown Operation = iota
	OpQueuePrompt
	OpSerializeGraph
	OpSetWorkflow
)

var operationNames = map[Operation]string{
	OpQueuePrompt:    "queue_prompt",
	OpSerializeGraph: "serialize_graph",
	OpSetWorkflow:    "set_workflow",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return "unknown"
}

// ParseOperation resolves a wire name. Unrecognized names yield OpUnknown.
func ParseOperation(name string) Operation {
	for op, n := range operationNames {
		if n == name {
			return op
		}
	}
	return OpUnknown
}

// Operations lists every known operation name.
func Operations() []string {
	return []string{OpQueuePrompt.String(), OpSerializeGraph.String(), OpSetWorkflow.String()}
}

// Collaborator is the graph editor the handlers drive.
type Collaborator interface {
	QueuePrompt(ctx context.Context, opts prompt.QueueOptions) (prompt.QueueResult, error)
	SerializeGraph(ctx context.Context) (json.RawMessage, error)
	SetWorkflow(ctx context.Context, raw json.RawMessage) (prompt.SetWorkflowResult, error)
}

// Handler runs one operation.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// HandlerTable is built once and never modified.
type HandlerTable map[Operation]Handler

// NewHandlerTable binds the built-in operations to c.
func NewHandlerTable(c Collaborator) HandlerTable {
	return HandlerTable{
		OpQueuePrompt: func(ctx context.Context, params json.RawMessage) (any, error) {
			var opts prompt.QueueOptions
			if err := decodeParams(params, &opts); err != nil {
				return nil, err
			}
			return c.QueuePrompt(ctx, opts)
		},
		OpSerializeGraph: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return c.SerializeGraph(ctx)
		},
		OpSetWorkflow: func(ctx context.Context, params json.RawMessage) (any, error) {
			raw, err := workflowParam(params)
			if err != nil {
				return nil, err
			}
			return c.SetWorkflow(ctx, raw)
		},
	}
}

func decodeParams(params json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	return nil
}

// workflowParam accepts {"workflow": {...}} or {"workflow": "<json text>"}.
func workflowParam(params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Workflow json.RawMessage `json:"workflow"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	raw := bytes.TrimSpace(p.Workflow)
	if len(raw) > 0 && raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("decode workflow text: %w", err)
		}
		raw = json.RawMessage(strings.TrimSpace(text))
	}
	return raw, nil
}

// Dispatcher turns requests into responses. It never returns an error;
// failures become error markers for the server.
type Dispatcher struct {
	handlers HandlerTable
	logger   zerolog.Logger
}

// New returns a dispatcher over handlers.
func New(handlers HandlerTable, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{handlers: handlers, logger: logger.With().Str("component", "dispatch").Logger()}
}

// Dispatch runs req and wraps the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req session.PendingRequest) session.PendingResponse {
	log := d.logger.With().Str("operation", req.Operation).Str("request_id", req.RequestID).Logger()

	op := ParseOperation(req.Operation)
	handler, ok := d.handlers[op]
	if !ok {
		log.Warn().Msg("no handler for operation")
		return session.ErrorResponse(req.RequestID, ErrUnknownOperation.Error())
	}

	result, err := d.invoke(ctx, op, handler, req.Parameters)
	if err != nil {
		log.Error().Err(err).Msg("handler failed")
		return session.ErrorResponse(req.RequestID, err.Error())
	}

	resp, err := session.PayloadResponse(req.RequestID, result)
	if err != nil {
		log.Error().Err(err).Msg("handler result not encodable")
		return session.ErrorResponse(req.RequestID, fmt.Errorf("%w: %s: %v", ErrHandlerFailure, op, err).Error())
	}
	log.Debug().Msg("request handled")
	return resp
}

func (d *Dispatcher) invoke(ctx context.Context, op Operation, h Handler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: panic: %v", ErrHandlerFailure, op, r)
		}
	}()
	result, err = h(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHandlerFailure, op, err)
	}
	return result, nil
}
