package middleware

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/weftwork/weft/internal/bus"
	"github.com/weftwork/weft/internal/tools"
	"github.com/weftwork/weft/pkg/models"
)

// ContainerMiddleware manages container and skill tool visibility:
// collapsed containers are advertised as single entries, invoking one
// expands it, and the expansion bookkeeping is stripped from persisted
// history so later turns see the expanded tools directly.
type ContainerMiddleware struct {
	Base
	registry *tools.Registry
	events   *bus.Bus

	mu       sync.Mutex
	stripped map[string]bool
}

// NewContainerMiddleware creates the middleware for one run.
func NewContainerMiddleware(registry *tools.Registry, events *bus.Bus) *ContainerMiddleware {
	return &ContainerMiddleware{
		registry: registry,
		events:   events,
		stripped: make(map[string]bool),
	}
}

func (m *ContainerMiddleware) Name() string { return "container" }

func expandedSet(state *models.ExecutionState) map[string]bool {
	set := make(map[string]bool)
	if state != nil {
		for _, name := range state.ExpandedContainers {
			set[name] = true
		}
	}
	return set
}

// BeforeIteration advertises the visible tool snapshot and appends the
// expanded skills' system prompt fragments.
func (m *ContainerMiddleware) BeforeIteration(ctx context.Context, ic *IterationContext) error {
	expanded := expandedSet(ic.State)
	ic.Tools = m.registry.SnapshotVisible(expanded)
	if ic.State != nil && len(ic.State.HiddenTools) > 0 {
		kept := ic.Tools[:0]
		for _, desc := range ic.Tools {
			if !ic.State.IsHidden(desc.Name) {
				kept = append(kept, desc)
			}
		}
		ic.Tools = kept
	}
	if prompts := m.registry.ActiveSystemPrompts(expanded); len(prompts) > 0 {
		ic.SystemPrompt = strings.TrimRight(ic.SystemPrompt, "\n") + "\n\n" + strings.Join(prompts, "\n\n")
	}
	return nil
}

// BeforeToolExecution expands any container the model invoked, recording a
// synthetic result in place of real execution.
func (m *ContainerMiddleware) BeforeToolExecution(ctx context.Context, ic *IterationContext) error {
	for _, call := range ic.PendingCalls {
		if !m.registry.IsContainer(call.Name) {
			continue
		}
		exp, err := m.registry.Expansion(call.Name)
		if err != nil {
			return err
		}
		ic.State = ic.State.WithExpanded(call.Name)

		resultText, err := json.Marshal(exp.FunctionResultText)
		if err != nil {
			return err
		}
		ic.SetSynthetic(models.FunctionResult{CallID: call.CallID, Result: resultText})

		m.mu.Lock()
		m.stripped[call.CallID] = true
		m.mu.Unlock()

		if m.events != nil {
			_ = m.events.Emit(ctx, models.Event{
				Type: models.EventContainerExpanded,
				Container: &models.ContainerPayload{
					Name:  call.Name,
					Tools: exp.ReferencedTools,
				},
			})
		}
	}
	return nil
}

// AfterMessageTurn strips container calls and their synthetic results from
// the persisted history.
func (m *ContainerMiddleware) AfterMessageTurn(ctx context.Context, tc *TurnContext) error {
	m.mu.Lock()
	stripped := make(map[string]bool, len(m.stripped))
	for id := range m.stripped {
		stripped[id] = true
	}
	m.mu.Unlock()
	if len(stripped) == 0 {
		return nil
	}

	out := tc.Messages[:0]
	for _, msg := range tc.Messages {
		kept := msg.Content[:0]
		for _, item := range msg.Content {
			switch v := item.(type) {
			case models.FunctionCall:
				if stripped[v.CallID] {
					continue
				}
			case models.FunctionResult:
				if stripped[v.CallID] {
					continue
				}
			}
			kept = append(kept, item)
		}
		msg.Content = kept
		if len(kept) > 0 {
			out = append(out, msg)
		}
	}
	tc.Messages = out
	return nil
}
