package history

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/weftwork/weft/pkg/models"
)

func countConfig(target int) Config {
	return Config{Enabled: true, TargetMessageCount: target}
}

func conversation(n int) []*models.Message {
	msgs := []*models.Message{models.NewSystemText("you are helpful")}
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msgs = append(msgs, models.NewMessage(role, models.TextContent{Text: fmt.Sprintf("message %d", i)}))
	}
	return msgs
}

func TestReduce_Disabled(t *testing.T) {
	r := NewReducer(Config{Enabled: false})
	msgs := conversation(50)
	res := r.Reduce(msgs)
	if res.Reduced {
		t.Errorf("disabled reducer compacted history")
	}
	if len(res.Messages) != len(msgs) {
		t.Errorf("messages = %d, want %d", len(res.Messages), len(msgs))
	}
}

func TestReduce_TargetMessageCount(t *testing.T) {
	r := NewReducer(countConfig(10))
	msgs := conversation(40)
	res := r.Reduce(msgs)
	if !res.Reduced {
		t.Fatalf("expected reduction")
	}
	if len(res.Messages) > 10+1 { // allow the summary marker
		t.Errorf("kept %d messages, want <= 11", len(res.Messages))
	}
	if res.Messages[0].Role != models.RoleSystem {
		t.Errorf("system message not preserved")
	}
	last := res.Messages[len(res.Messages)-1]
	if last.Text() != "message 39" {
		t.Errorf("latest message lost: %q", last.Text())
	}
}

func TestReduce_PreservesLatestUserMessage(t *testing.T) {
	r := NewReducer(countConfig(4))
	msgs := conversation(30)
	res := r.Reduce(msgs)
	found := false
	for _, m := range res.Messages {
		if m.Role == models.RoleUser && m.Text() == "message 28" {
			found = true
		}
	}
	if !found {
		t.Errorf("latest user message dropped")
	}
}

func TestReduce_KeepsFunctionCallForSurvivingResult(t *testing.T) {
	msgs := []*models.Message{models.NewSystemText("sys")}
	for i := 0; i < 30; i++ {
		msgs = append(msgs, models.NewUserText(fmt.Sprintf("filler %d", i)))
	}
	call := models.NewMessage(models.RoleAssistant, models.FunctionCall{
		CallID: "call-7", Name: "lookup", Arguments: json.RawMessage(`{"q":"x"}`),
	})
	msgs = append(msgs, call)
	for i := 0; i < 5; i++ {
		msgs = append(msgs, models.NewUserText(fmt.Sprintf("more %d", i)))
	}
	result := models.NewMessage(models.RoleTool, models.FunctionResult{
		CallID: "call-7", Result: json.RawMessage(`"found"`),
	})
	msgs = append(msgs, result)

	r := NewReducer(countConfig(3))
	res := r.Reduce(msgs)
	if !res.Reduced {
		t.Fatalf("expected reduction")
	}

	var hasCall, hasResult bool
	for _, m := range res.Messages {
		for _, fc := range m.FunctionCalls() {
			if fc.CallID == "call-7" {
				hasCall = true
			}
		}
		for _, fr := range m.FunctionResults() {
			if fr.CallID == "call-7" {
				hasResult = true
			}
		}
	}
	if !hasResult {
		t.Fatalf("tool result dropped")
	}
	if !hasCall {
		t.Errorf("function call for surviving result was compacted away")
	}
}

func TestReduce_SummaryMarker(t *testing.T) {
	cfg := countConfig(5)
	cfg.SummarizationThreshold = 10
	r := NewReducer(cfg)
	res := r.Reduce(conversation(60))
	if !res.SummaryInserted {
		t.Fatalf("expected summary marker for a large drop")
	}
	var marker *models.Message
	for _, m := range res.Messages {
		if m.Metadata != nil && m.Metadata["history_summary"] == true {
			marker = m
		}
	}
	if marker == nil {
		t.Fatalf("summary message not found")
	}
	if !strings.Contains(marker.Text(), "compacted") {
		t.Errorf("summary text = %q", marker.Text())
	}
}

func TestReduce_PercentageMode(t *testing.T) {
	cfg := Config{
		Enabled:            true,
		ContextWindowSize:  200,
		TriggerPercentage:  0.5,
		PreservePercentage: 0.25,
		// Absurdly large count proves percentage mode wins when the
		// window size is set.
		TargetMessageCount: 1000,
	}
	r := NewReducer(cfg)

	msgs := []*models.Message{models.NewSystemText("sys")}
	for i := 0; i < 40; i++ {
		msgs = append(msgs, models.NewUserText(strings.Repeat("lorem ipsum ", 5)))
	}

	before := r.EstimateTokens(msgs)
	if before <= 100 {
		t.Fatalf("test setup: history too small (%d tokens)", before)
	}

	res := r.Reduce(msgs)
	if !res.Reduced {
		t.Fatalf("expected percentage-mode reduction")
	}
	if res.TokensAfter >= res.TokensBefore {
		t.Errorf("tokens after %d >= before %d", res.TokensAfter, res.TokensBefore)
	}
	if res.Messages[0].Role != models.RoleSystem {
		t.Errorf("system message not preserved")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled anything goes", Config{Enabled: false}, false},
		{"valid percentage", Config{Enabled: true, ContextWindowSize: 1000, TriggerPercentage: 0.8, PreservePercentage: 0.5}, false},
		{"trigger below preserve", Config{Enabled: true, ContextWindowSize: 1000, TriggerPercentage: 0.4, PreservePercentage: 0.5}, true},
		{"trigger out of range", Config{Enabled: true, ContextWindowSize: 1000, TriggerPercentage: 1.5, PreservePercentage: 0.5}, true},
		{"valid count", Config{Enabled: true, TargetMessageCount: 50}, false},
		{"count too small", Config{Enabled: true, TargetMessageCount: 1}, true},
		{"count too large", Config{Enabled: true, TargetMessageCount: 5000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEstimateTokens_Monotonic(t *testing.T) {
	r := NewReducer(DefaultConfig())
	small := conversation(2)
	large := conversation(20)
	if r.EstimateTokens(small) >= r.EstimateTokens(large) {
		t.Errorf("estimate not monotonic in history size")
	}
}
