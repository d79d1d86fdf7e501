package graph

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidWorkflow reports a workflow that does not match the editor layout.
var ErrInvalidWorkflow = errors.New("invalid workflow")

const workflowSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["nodes", "links"],
  "properties": {
    "last_node_id": {"type": "integer", "minimum": 0},
    "last_link_id": {"type": "integer", "minimum": 0},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "integer"},
          "type": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "inputs": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "type"],
              "properties": {
                "name": {"type": "string"},
                "type": {"type": "string"},
                "link": {"type": ["integer", "null"]}
              }
            }
          },
          "outputs": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "type"],
              "properties": {
                "name": {"type": "string"},
                "type": {"type": "string"},
                "links": {"type": ["array", "null"], "items": {"type": "integer"}}
              }
            }
          }
        }
      }
    },
    "links": {
      "type": "array",
      "items": {
        "type": "array",
        "minItems": 6,
        "maxItems": 6,
        "items": [
          {"type": "integer"},
          {"type": "integer"},
          {"type": "integer"},
          {"type": "integer"},
          {"type": "integer"},
          {"type": "string"}
        ]
      }
    }
  }
}`

var loadSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(workflowSchema))
})

// Validate checks raw against the workflow JSON schema.
func Validate(raw []byte) error {
	s, err := loadSchema()
	if err != nil {
		return fmt.Errorf("load workflow schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidWorkflow, strings.Join(msgs, "; "))
}
