package execution

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrEmptyPrompt is returned when enqueuing nothing.
var ErrEmptyPrompt = errors.New("prompt is empty")

// Ticket identifies a queued prompt.
type Ticket struct {
	Number   int    `json:"number"`
	PromptID string `json:"promptId"`
	Front    bool   `json:"front"`
}

// Item is a queued prompt with its ticket.
type Item struct {
	Ticket
	Prompt json.RawMessage `json:"prompt"`
}

// Queue is the graph execution queue. Enqueue returns as soon as the prompt
// is queued, not when it has run.
type Queue struct {
	mu     sync.Mutex
	number int
	items  []Item
	notify chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue adds a prompt at the front or the back of the queue.
func (q *Queue) Enqueue(ctx context.Context, prompt json.RawMessage, front bool) (Ticket, error) {
	if err := ctx.Err(); err != nil {
		return Ticket{}, err
	}
	if len(prompt) == 0 {
		return Ticket{}, ErrEmptyPrompt
	}

	q.mu.Lock()
	q.number++
	item := Item{
		Ticket: Ticket{Number: q.number, PromptID: uuid.NewString(), Front: front},
		Prompt: append(json.RawMessage(nil), prompt...),
	}
	if front {
		q.items = append([]Item{item}, q.items...)
	} else {
		q.items = append(q.items, item)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return item.Ticket, nil
}

// Pending lists queued tickets in run order.
func (q *Queue) Pending() []Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Ticket, len(q.items))
	for i, item := range q.items {
		out[i] = item.Ticket
	}
	return out
}

// Len is the number of queued prompts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Next pops the next prompt, waiting until one is queued.
func (q *Queue) Next(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}
