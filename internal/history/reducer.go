// Package history compacts conversation history to fit a model's context
// window. Reduction is a pure function over the message list so the caller
// decides when to persist the result.
package history

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/weftwork/weft/pkg/models"
)

// Config controls when and how history is compacted.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ContextWindowSize is the model's maximum context in tokens. When set,
	// percentage-based reduction is used and TargetMessageCount is ignored.
	ContextWindowSize int `yaml:"context_window_size" json:"context_window_size"`

	// TriggerPercentage of the window that starts a reduction. Must exceed
	// PreservePercentage.
	TriggerPercentage float64 `yaml:"trigger_percentage" json:"trigger_percentage"`

	// PreservePercentage of the window the compacted history may occupy.
	PreservePercentage float64 `yaml:"preserve_percentage" json:"preserve_percentage"`

	// TargetMessageCount bounds the history by count when percentage mode is
	// off. Valid range 2..1000.
	TargetMessageCount int `yaml:"target_message_count" json:"target_message_count"`

	// SummarizationThreshold: when more messages than this are dropped in one
	// pass, they are replaced with a summary marker instead of vanishing.
	SummarizationThreshold int `yaml:"summarization_threshold" json:"summarization_threshold"`

	// Encoding names the tiktoken encoding used for estimation.
	Encoding string `yaml:"encoding" json:"encoding"`
}

// DefaultConfig returns reduction settings suitable for a 128k window.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		ContextWindowSize:      128000,
		TriggerPercentage:      0.8,
		PreservePercentage:     0.5,
		TargetMessageCount:     200,
		SummarizationThreshold: 20,
		Encoding:               "cl100k_base",
	}
}

// Validate checks config consistency.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ContextWindowSize > 0 {
		if c.TriggerPercentage <= 0 || c.TriggerPercentage > 1 {
			return fmt.Errorf("trigger_percentage %v out of (0,1]", c.TriggerPercentage)
		}
		if c.PreservePercentage <= 0 || c.PreservePercentage > 1 {
			return fmt.Errorf("preserve_percentage %v out of (0,1]", c.PreservePercentage)
		}
		if c.TriggerPercentage <= c.PreservePercentage {
			return fmt.Errorf("trigger_percentage %v must exceed preserve_percentage %v", c.TriggerPercentage, c.PreservePercentage)
		}
		return nil
	}
	if c.TargetMessageCount < 2 || c.TargetMessageCount > 1000 {
		return fmt.Errorf("target_message_count %d out of [2,1000]", c.TargetMessageCount)
	}
	return nil
}

// Result reports what a reduction pass did.
type Result struct {
	Messages        []*models.Message
	Reduced         bool
	SummaryInserted bool
	DroppedCount    int
	TokensBefore    int
	TokensAfter     int
}

// Reducer compacts message lists. Safe for concurrent use.
type Reducer struct {
	cfg Config

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewReducer creates a reducer with the given config.
func NewReducer(cfg Config) *Reducer {
	if cfg.Encoding == "" {
		cfg.Encoding = DefaultConfig().Encoding
	}
	return &Reducer{cfg: cfg}
}

// Config returns the reducer's configuration.
func (r *Reducer) Config() Config { return r.cfg }

// EstimateTokens approximates the token cost of the message list. It uses
// the configured tiktoken encoding when available and falls back to a
// bytes/4 heuristic when the encoding cannot be loaded.
func (r *Reducer) EstimateTokens(messages []*models.Message) int {
	r.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(r.cfg.Encoding)
		if err == nil {
			r.enc = enc
		}
	})

	total := 0
	for _, msg := range messages {
		text := renderForEstimate(msg)
		if r.enc != nil {
			total += len(r.enc.Encode(text, nil, nil))
		} else {
			total += len(text) / 4
		}
		// Fixed per-message framing overhead.
		total += 4
	}
	return total
}

// ShouldReduce reports whether the history exceeds the trigger threshold.
func (r *Reducer) ShouldReduce(messages []*models.Message) bool {
	if !r.cfg.Enabled || len(messages) < 3 {
		return false
	}
	if r.cfg.ContextWindowSize > 0 {
		return r.EstimateTokens(messages) > int(float64(r.cfg.ContextWindowSize)*r.cfg.TriggerPercentage)
	}
	return len(messages) > r.cfg.TargetMessageCount
}

// Reduce compacts messages to the configured budget. The input slice is not
// modified. The compaction always preserves:
//   - the leading system message
//   - the latest user message and everything after it
//   - the matching function call for any surviving function result
func (r *Reducer) Reduce(messages []*models.Message) Result {
	result := Result{Messages: messages, TokensBefore: r.EstimateTokens(messages)}
	if !r.ShouldReduce(messages) {
		result.TokensAfter = result.TokensBefore
		return result
	}

	var system []*models.Message
	body := messages
	if len(body) > 0 && body[0].Role == models.RoleSystem {
		system = []*models.Message{body[0]}
		body = body[1:]
	}

	// Everything from the latest user message on is untouchable.
	tailStart := len(body)
	for i := len(body) - 1; i >= 0; i-- {
		if body[i].Role == models.RoleUser {
			tailStart = i
			break
		}
	}
	if tailStart == len(body) && len(body) > 0 {
		tailStart = len(body) - 1
	}

	keepFrom := r.compactionPoint(system, body, tailStart)
	keepFrom = extendForCallPairs(body, keepFrom)
	if keepFrom <= 0 {
		result.TokensAfter = result.TokensBefore
		return result
	}

	dropped := body[:keepFrom]
	kept := body[keepFrom:]

	out := make([]*models.Message, 0, len(system)+len(kept)+1)
	out = append(out, system...)
	if len(dropped) >= r.summarizeAt() {
		out = append(out, summaryMessage(dropped))
		result.SummaryInserted = true
	}
	out = append(out, kept...)

	result.Messages = out
	result.Reduced = true
	result.DroppedCount = len(dropped)
	result.TokensAfter = r.EstimateTokens(out)
	return result
}

// compactionPoint returns the index in body below which messages are
// dropped, honoring the preserve budget and never cutting into the tail.
func (r *Reducer) compactionPoint(system, body []*models.Message, tailStart int) int {
	if r.cfg.ContextWindowSize > 0 {
		budget := int(float64(r.cfg.ContextWindowSize) * r.cfg.PreservePercentage)
		keepFrom := tailStart
		// Walk backwards from the tail, admitting messages while they fit.
		used := r.EstimateTokens(system) + r.EstimateTokens(body[tailStart:])
		for i := tailStart - 1; i >= 0; i-- {
			cost := r.EstimateTokens(body[i : i+1])
			if used+cost > budget {
				break
			}
			used += cost
			keepFrom = i
		}
		return keepFrom
	}

	keep := r.cfg.TargetMessageCount - len(system)
	if keep < 1 {
		keep = 1
	}
	keepFrom := len(body) - keep
	if keepFrom < 0 {
		keepFrom = 0
	}
	if keepFrom > tailStart {
		keepFrom = tailStart
	}
	return keepFrom
}

func (r *Reducer) summarizeAt() int {
	if r.cfg.SummarizationThreshold > 0 {
		return r.cfg.SummarizationThreshold
	}
	return 1 << 30
}

// extendForCallPairs moves the cut earlier until every function result at or
// after the cut has its originating function call kept too.
func extendForCallPairs(body []*models.Message, keepFrom int) int {
	for {
		needed := make(map[string]bool)
		for _, msg := range body[keepFrom:] {
			for _, fr := range msg.FunctionResults() {
				needed[fr.CallID] = true
			}
			for _, fc := range msg.FunctionCalls() {
				delete(needed, fc.CallID)
			}
		}
		if len(needed) == 0 {
			return keepFrom
		}
		moved := false
		for i := keepFrom - 1; i >= 0; i-- {
			for _, fc := range body[i].FunctionCalls() {
				if needed[fc.CallID] {
					keepFrom = i
					moved = true
					break
				}
			}
			if moved {
				break
			}
		}
		if !moved {
			return keepFrom
		}
	}
}

// summaryMessage stands in for a dropped span of conversation.
func summaryMessage(dropped []*models.Message) *models.Message {
	var tools int
	for _, msg := range dropped {
		tools += len(msg.FunctionCalls())
	}
	text := fmt.Sprintf(
		"[Earlier conversation compacted: %d messages and %d tool calls were summarized away to fit the context window.]",
		len(dropped), tools,
	)
	msg := models.NewMessage(models.RoleUser, models.TextContent{Text: text})
	msg.Metadata = map[string]any{"history_summary": true}
	return msg
}

func renderForEstimate(msg *models.Message) string {
	var sb strings.Builder
	sb.WriteString(string(msg.Role))
	sb.WriteString(": ")
	for _, item := range msg.Content {
		switch v := item.(type) {
		case models.TextContent:
			sb.WriteString(v.Text)
		case models.ReasoningContent:
			sb.WriteString(v.Text)
		case models.FunctionCall:
			sb.WriteString(v.Name)
			sb.Write(v.Arguments)
		case models.FunctionResult:
			sb.Write(v.Result)
		case models.BinaryContent:
			sb.WriteString(v.Name)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
