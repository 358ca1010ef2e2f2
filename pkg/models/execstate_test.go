package models

import (
	"testing"
)

func TestExecutionState_WithUpdates(t *testing.T) {
	var s *ExecutionState

	s = s.WithIteration(3)
	if s.Iteration != 3 {
		t.Fatalf("iteration = %d", s.Iteration)
	}

	s2 := s.WithExpanded("fileOps")
	if !s2.HasExpanded("fileOps") {
		t.Errorf("container not recorded")
	}
	if s.HasExpanded("fileOps") {
		t.Errorf("update mutated the original snapshot")
	}
	if s3 := s2.WithExpanded("fileOps"); s3 != s2 {
		t.Errorf("duplicate expansion should be a no-op")
	}

	s4 := s2.WithTermination(TerminationIterationLimit)
	if !s4.Terminated || s4.Reason != TerminationIterationLimit {
		t.Errorf("termination not recorded: %#v", s4)
	}
	if s2.Terminated {
		t.Errorf("termination mutated the original snapshot")
	}
}

func TestExecutionState_MiddlewareSlots(t *testing.T) {
	type retrySlot struct {
		Attempts int `json:"attempts"`
	}

	var s *ExecutionState
	s = s.WithIteration(0)

	updated, err := s.WithMiddlewareValue("retry", retrySlot{Attempts: 2})
	if err != nil {
		t.Fatalf("WithMiddlewareValue: %v", err)
	}

	var slot retrySlot
	ok, err := updated.MiddlewareValue("retry", &slot)
	if err != nil || !ok {
		t.Fatalf("MiddlewareValue: ok=%v err=%v", ok, err)
	}
	if slot.Attempts != 2 {
		t.Errorf("attempts = %d", slot.Attempts)
	}

	ok, err = updated.MiddlewareValue("absent", &slot)
	if err != nil || ok {
		t.Errorf("absent slot: ok=%v err=%v", ok, err)
	}

	// The original snapshot must not see the slot.
	if ok, _ := s.MiddlewareValue("retry", &slot); ok {
		t.Errorf("update mutated the original snapshot")
	}
}

func TestErrorCategory_Retryable(t *testing.T) {
	tests := []struct {
		category ErrorCategory
		want     bool
	}{
		{ErrorUnknown, true},
		{ErrorTransient, true},
		{ErrorRateLimitRetryable, true},
		{ErrorServer, true},
		{ErrorRateLimitTerminal, false},
		{ErrorClient, false},
		{ErrorAuth, false},
		{ErrorContextWindow, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			if got := tt.category.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecutionState_ApplyAugmentation(t *testing.T) {
	var s *ExecutionState
	s = s.ApplyAugmentation(&ToolAugmentation{
		ExpandGroups: []string{"files"},
		HideTools:    []string{"delete_file"},
	})
	if !s.HasExpanded("files") {
		t.Errorf("group not expanded")
	}
	if !s.IsHidden("delete_file") {
		t.Errorf("tool not hidden")
	}

	s2 := s.ApplyAugmentation(&ToolAugmentation{
		CollapseGroups: []string{"files"},
		ShowTools:      []string{"delete_file"},
	})
	if s2.HasExpanded("files") || s2.IsHidden("delete_file") {
		t.Errorf("reversal not applied: %#v", s2)
	}
	if !s.HasExpanded("files") || !s.IsHidden("delete_file") {
		t.Errorf("update mutated the original snapshot")
	}

	if s.ApplyAugmentation(nil) != s {
		t.Errorf("nil augmentation should be a no-op")
	}
	if dup := s.ApplyAugmentation(&ToolAugmentation{ExpandGroups: []string{"files"}}); len(dup.ExpandedContainers) != 1 {
		t.Errorf("duplicate expansion recorded twice: %v", dup.ExpandedContainers)
	}
}
