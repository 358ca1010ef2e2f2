package middleware

import (
	"context"
	"encoding/json"
	"testing"
)

// recorder notes hook invocations in order.
type recorder struct {
	Base
	name string
	log  *[]string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) BeforeIteration(ctx context.Context, ic *IterationContext) error {
	*r.log = append(*r.log, r.name+".beforeIteration")
	return nil
}

func (r *recorder) AfterIteration(ctx context.Context, ic *IterationContext) error {
	*r.log = append(*r.log, r.name+".afterIteration")
	return nil
}

func (r *recorder) ExecuteFunction(ctx context.Context, call *ToolCallContext, next ExecuteFunc) (json.RawMessage, error) {
	*r.log = append(*r.log, r.name+".enter")
	result, err := next(ctx)
	*r.log = append(*r.log, r.name+".exit")
	return result, err
}

func TestChain_OnionOrder(t *testing.T) {
	var log []string
	chain := NewChain(
		&recorder{name: "outer", log: &log},
		&recorder{name: "inner", log: &log},
	)

	ic := &IterationContext{}
	if err := chain.BeforeIteration(context.Background(), ic); err != nil {
		t.Fatalf("before: %v", err)
	}
	_, err := chain.ExecuteFunction(context.Background(), &ToolCallContext{}, func(ctx context.Context) (json.RawMessage, error) {
		log = append(log, "terminal")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := chain.AfterIteration(context.Background(), ic); err != nil {
		t.Fatalf("after: %v", err)
	}

	want := []string{
		"outer.beforeIteration", "inner.beforeIteration",
		"outer.enter", "inner.enter", "terminal", "inner.exit", "outer.exit",
		"inner.afterIteration", "outer.afterIteration",
	}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("log[%d] = %s, want %s", i, log[i], want[i])
		}
	}
}

func TestChain_EmptyRunsTerminal(t *testing.T) {
	chain := NewChain()
	out, err := chain.ExecuteFunction(context.Background(), &ToolCallContext{}, func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	if err != nil || string(out) != `"ok"` {
		t.Errorf("out = %s, err = %v", out, err)
	}
}

func TestIterationContext_SetSynthetic(t *testing.T) {
	ic := &IterationContext{}
	ic.SetSynthetic(modelsFunctionResult("c1", `"done"`))
	if _, ok := ic.Synthetic["c1"]; !ok {
		t.Errorf("synthetic result not recorded")
	}
}
