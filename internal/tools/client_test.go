package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/weftwork/weft/internal/bus"
	"github.com/weftwork/weft/pkg/models"
)

// answerClientTool replies to the next CLIENT_TOOL_INVOKE_REQUEST on b.
func answerClientTool(t *testing.T, b *bus.Bus, respond func(req *models.ClientToolPayload) models.ClientToolPayload) {
	t.Helper()
	sub := b.Subscribe()
	go func() {
		for ev := range sub {
			if ev.Type != models.EventClientToolInvokeRequest {
				continue
			}
			payload := respond(ev.ClientTool)
			payload.RequestID = ev.ClientTool.RequestID
			_ = b.Respond(bus.Response{CorrelationID: ev.ClientTool.RequestID, ClientTool: &payload})
			return
		}
	}()
}

func TestClientToolInvoke(t *testing.T) {
	b := bus.New("run-1")
	tool := NewClientTool(models.ToolDescriptor{Name: "pick_file", Description: "Ask the user to pick a file"}, b)

	answerClientTool(t, b, func(req *models.ClientToolPayload) models.ClientToolPayload {
		if req.ToolName != "pick_file" || req.CallID != "c1" {
			t.Errorf("request = %+v", req)
		}
		return models.ClientToolPayload{
			Success: true,
			Content: []models.ClientContentItem{{Type: "text", Text: "/tmp/a.txt"}},
			Augmentation: &models.ToolAugmentation{ExpandGroups: []string{"files"}},
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := tool.Invoke(ctx, "c1", json.RawMessage(`{"pattern":"*.txt"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.Augmentation == nil || len(resp.Augmentation.ExpandGroups) != 1 {
		t.Errorf("augmentation = %+v", resp.Augmentation)
	}

	flat, err := FlattenClientContent(resp.Content)
	if err != nil {
		t.Fatal(err)
	}
	if string(flat) != `"/tmp/a.txt"` {
		t.Errorf("flattened = %s", flat)
	}
}

func TestClientToolFailure(t *testing.T) {
	b := bus.New("run-1")
	tool := NewClientTool(models.ToolDescriptor{Name: "pick_file"}, b)

	answerClientTool(t, b, func(*models.ClientToolPayload) models.ClientToolPayload {
		return models.ClientToolPayload{Success: false, ErrorMessage: "user dismissed the picker"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tool.Invoke(ctx, "c1", nil)
	if !errors.Is(err, ErrClientToolFailed) {
		t.Fatalf("Invoke error = %v, want ErrClientToolFailed", err)
	}
}

func TestFlattenClientContent(t *testing.T) {
	tests := []struct {
		name  string
		items []models.ClientContentItem
		want  string
	}{
		{name: "empty", items: nil, want: `""`},
		{
			name:  "single json",
			items: []models.ClientContentItem{{Type: "json", JSON: json.RawMessage(`{"ok":true}`)}},
			want:  `{"ok":true}`,
		},
		{
			name: "mixed becomes array",
			items: []models.ClientContentItem{
				{Type: "text", Text: "a"},
				{Type: "json", JSON: json.RawMessage(`1`)},
			},
			want: `["a",1]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FlattenClientContent(tt.items)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("flattened = %s, want %s", got, tt.want)
			}
		})
	}
}
