package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/weftwork/weft/internal/agent"
	"github.com/weftwork/weft/pkg/models"
)

func TestBuildParamsSystemAndLimits(t *testing.T) {
	req := agent.ChatRequest{
		Model:        "claude-sonnet-4-20250514",
		Instructions: "be brief",
		Messages: []*models.Message{
			models.NewSystemText("you can use tools"),
			models.NewUserText("hello"),
		},
	}
	params, err := buildParams(req)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.MaxTokens != defaultMaxTokens {
		t.Errorf("max tokens = %d, want default %d", params.MaxTokens, defaultMaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "be brief\n\nyou can use tools" {
		t.Errorf("system = %+v", params.System)
	}
	// System messages move out of band; only the user turn remains.
	if len(params.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(params.Messages))
	}
	if params.Messages[0].Content[0].OfText == nil || params.Messages[0].Content[0].OfText.Text != "hello" {
		t.Errorf("user message = %+v", params.Messages[0])
	}
}

func TestBuildParamsTools(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
	req := agent.ChatRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []*models.Message{models.NewUserText("read it")},
		Tools: []models.ToolDescriptor{
			{Name: "read_file", Description: "Read a file", InputSchema: schema},
		},
		ToolMode: models.ToolModeRequired,
	}
	params, err := buildParams(req)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(params.Tools))
	}
	tool := params.Tools[0].OfTool
	if tool == nil || tool.Name != "read_file" {
		t.Fatalf("tool = %+v", params.Tools[0])
	}
	if tool.Description.Value != "Read a file" {
		t.Errorf("description = %q", tool.Description.Value)
	}
	if params.ToolChoice.OfAny == nil {
		t.Error("tool mode required did not set tool choice")
	}
}

func TestBuildParamsToolModeNone(t *testing.T) {
	req := agent.ChatRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []*models.Message{models.NewUserText("hi")},
		Tools:    []models.ToolDescriptor{{Name: "read_file"}},
		ToolMode: models.ToolModeNone,
	}
	params, err := buildParams(req)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Tools) != 0 {
		t.Errorf("tools advertised despite mode none: %d", len(params.Tools))
	}
}

func TestConvertToolsBadSchema(t *testing.T) {
	_, err := convertTools([]models.ToolDescriptor{
		{Name: "broken", InputSchema: json.RawMessage(`"not a schema"`)},
	})
	if err == nil {
		t.Error("convertTools accepted a non-object schema")
	}
}

func TestConvertMessages(t *testing.T) {
	assistant := models.NewMessage(models.RoleAssistant,
		models.TextContent{Text: "let me check"},
		models.FunctionCall{CallID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)},
	)
	toolMsg := models.NewMessage(models.RoleTool,
		models.FunctionResult{CallID: "c1", Result: json.RawMessage(`"contents"`)},
	)
	out := convertMessages([]*models.Message{
		models.NewUserText("what is in a.txt?"),
		assistant,
		toolMsg,
	})
	if len(out) != 3 {
		t.Fatalf("converted = %d messages, want 3", len(out))
	}

	blocks := out[1].Content
	if len(blocks) != 2 {
		t.Fatalf("assistant blocks = %d, want 2", len(blocks))
	}
	if blocks[0].OfText == nil || blocks[0].OfText.Text != "let me check" {
		t.Errorf("assistant text block = %+v", blocks[0])
	}
	use := blocks[1].OfToolUse
	if use == nil || use.ID != "c1" || use.Name != "read_file" {
		t.Fatalf("tool use block = %+v", blocks[1])
	}

	result := out[2].Content[0].OfToolResult
	if result == nil || result.ToolUseID != "c1" {
		t.Fatalf("tool result block = %+v", out[2].Content[0])
	}
}

func TestResultText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "json string unquoted", raw: `"plain text"`, want: "plain text"},
		{name: "object passes through", raw: `{"ok":true}`, want: `{"ok":true}`},
		{name: "empty", raw: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resultText(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("resultText(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
