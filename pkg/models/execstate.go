package models

import (
	"encoding/json"
)

// TerminationReason explains why a message turn ended.
type TerminationReason string

const (
	TerminationAssistantResponded TerminationReason = "assistant_responded"
	TerminationIterationLimit     TerminationReason = "iteration_limit"
	TerminationConsecutiveErrors  TerminationReason = "consecutive_errors"
	TerminationCancelledByUser    TerminationReason = "cancelled_by_user"
	TerminationFatal              TerminationReason = "fatal"
)

// ExecutionState is an immutable snapshot of a suspended or in-progress
// message turn, produced at checkpoint boundaries and consumed to resume.
type ExecutionState struct {
	// Iteration is the number of completed loop iterations.
	Iteration int `json:"iteration"`

	// Terminated is set once the turn reached a terminal state.
	Terminated bool `json:"terminated,omitempty"`

	// Reason explains the termination when Terminated is true.
	Reason TerminationReason `json:"reason,omitempty"`

	// ConsecutiveErrors counts iterations that failed terminally in a row.
	ConsecutiveErrors int `json:"consecutive_errors,omitempty"`

	// CompletedCallIDs tracks tool calls whose results were folded in.
	CompletedCallIDs []string `json:"completed_call_ids,omitempty"`

	// ExpandedContainers lists container tools expanded during this or a
	// previous turn on the branch.
	ExpandedContainers []string `json:"expanded_containers,omitempty"`

	// HiddenTools lists tools withdrawn from advertisement by a client
	// tool augmentation.
	HiddenTools []string `json:"hidden_tools,omitempty"`

	// MiddlewareState is a keyed bag owned by middleware instances. Each
	// middleware reads and writes only its own key.
	MiddlewareState map[string]json.RawMessage `json:"middleware_state,omitempty"`
}

// Clone returns a deep copy of the state.
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.CompletedCallIDs = append([]string(nil), s.CompletedCallIDs...)
	cp.ExpandedContainers = append([]string(nil), s.ExpandedContainers...)
	cp.HiddenTools = append([]string(nil), s.HiddenTools...)
	if s.MiddlewareState != nil {
		cp.MiddlewareState = make(map[string]json.RawMessage, len(s.MiddlewareState))
		for k, v := range s.MiddlewareState {
			cp.MiddlewareState[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &cp
}

// WithIteration returns a copy with the iteration count set.
func (s *ExecutionState) WithIteration(n int) *ExecutionState {
	cp := s.Clone()
	if cp == nil {
		cp = &ExecutionState{}
	}
	cp.Iteration = n
	return cp
}

// WithTermination returns a copy marked terminated with the given reason.
func (s *ExecutionState) WithTermination(reason TerminationReason) *ExecutionState {
	cp := s.Clone()
	if cp == nil {
		cp = &ExecutionState{}
	}
	cp.Terminated = true
	cp.Reason = reason
	return cp
}

// WithCompletedCall returns a copy with the call id recorded as completed.
func (s *ExecutionState) WithCompletedCall(callID string) *ExecutionState {
	cp := s.Clone()
	if cp == nil {
		cp = &ExecutionState{}
	}
	for _, id := range cp.CompletedCallIDs {
		if id == callID {
			return cp
		}
	}
	cp.CompletedCallIDs = append(cp.CompletedCallIDs, callID)
	return cp
}

// HasExpanded reports whether the named container is expanded.
func (s *ExecutionState) HasExpanded(name string) bool {
	if s == nil {
		return false
	}
	for _, c := range s.ExpandedContainers {
		if c == name {
			return true
		}
	}
	return false
}

// WithExpanded returns a copy with the container recorded as expanded.
func (s *ExecutionState) WithExpanded(name string) *ExecutionState {
	if s.HasExpanded(name) {
		return s
	}
	cp := s.Clone()
	if cp == nil {
		cp = &ExecutionState{}
	}
	cp.ExpandedContainers = append(cp.ExpandedContainers, name)
	return cp
}

// IsHidden reports whether the named tool was withdrawn by an augmentation.
func (s *ExecutionState) IsHidden(name string) bool {
	if s == nil {
		return false
	}
	for _, t := range s.HiddenTools {
		if t == name {
			return true
		}
	}
	return false
}

// ApplyAugmentation returns a copy with a client tool's visibility changes
// applied: groups move in or out of the expanded-container set, individual
// tools in or out of the hidden set.
func (s *ExecutionState) ApplyAugmentation(a *ToolAugmentation) *ExecutionState {
	if a == nil {
		return s
	}
	cp := s.Clone()
	if cp == nil {
		cp = &ExecutionState{}
	}
	for _, name := range a.ExpandGroups {
		if !cp.HasExpanded(name) {
			cp.ExpandedContainers = append(cp.ExpandedContainers, name)
		}
	}
	cp.ExpandedContainers = without(cp.ExpandedContainers, a.CollapseGroups)
	for _, name := range a.HideTools {
		if !cp.IsHidden(name) {
			cp.HiddenTools = append(cp.HiddenTools, name)
		}
	}
	cp.HiddenTools = without(cp.HiddenTools, a.ShowTools)
	return cp
}

func without(list, drop []string) []string {
	if len(drop) == 0 || len(list) == 0 {
		return list
	}
	remove := make(map[string]bool, len(drop))
	for _, name := range drop {
		remove[name] = true
	}
	kept := list[:0]
	for _, name := range list {
		if !remove[name] {
			kept = append(kept, name)
		}
	}
	return kept
}

// MiddlewareValue decodes the state slot owned by the given key into out.
// Returns false when the slot is absent.
func (s *ExecutionState) MiddlewareValue(key string, out any) (bool, error) {
	if s == nil || s.MiddlewareState == nil {
		return false, nil
	}
	raw, ok := s.MiddlewareState[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// WithMiddlewareValue returns a copy with the keyed slot replaced.
func (s *ExecutionState) WithMiddlewareValue(key string, value any) (*ExecutionState, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	cp := s.Clone()
	if cp == nil {
		cp = &ExecutionState{}
	}
	if cp.MiddlewareState == nil {
		cp.MiddlewareState = make(map[string]json.RawMessage, 1)
	}
	cp.MiddlewareState[key] = raw
	return cp, nil
}
