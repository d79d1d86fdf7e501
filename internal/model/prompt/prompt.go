package prompt

import "github.com/zhouzirui/framebridge/internal/model/graph"

// QueueOptions are the queue_prompt parameters.
type QueueOptions struct {
	Front             bool              `json:"queueFront"`
	RequiredNodeTypes []graph.NodeCount `json:"requiredNodeTypes,omitempty"`
}

// QueueResult reports what queue_prompt did.
type QueueResult struct {
	Queued   bool   `json:"queued"`
	Number   int    `json:"number,omitempty"`
	PromptID string `json:"promptId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// SetWorkflowResult reports a replaced graph.
type SetWorkflowResult struct {
	Nodes int `json:"nodes"`
	Links int `json:"links"`
}
