package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/weftwork/weft/internal/bus"
	"github.com/weftwork/weft/internal/history"
	"github.com/weftwork/weft/internal/middleware"
	"github.com/weftwork/weft/internal/observability"
	"github.com/weftwork/weft/internal/providererr"
	"github.com/weftwork/weft/pkg/models"
)

// LoopConfig configures one run of the agent loop.
type LoopConfig struct {
	// Model is the provider model identifier.
	Model string `yaml:"model" json:"model"`

	// SystemPrompt is the base instruction text.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	// MaxIterations bounds tool-use iterations before a continuation is
	// requested. Default: 10.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`

	// MaxConsecutiveErrors bounds back-to-back terminal iteration
	// failures. Default: 3.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`

	// MaxModelAttempts bounds retries of a failing model call within one
	// iteration. Default: 4.
	MaxModelAttempts int `yaml:"max_model_attempts" json:"max_model_attempts"`

	// RunTimeout limits total run duration (0 = no limit).
	RunTimeout time.Duration `yaml:"run_timeout" json:"run_timeout"`

	// ContinuationTimeout bounds the wait for a continuation answer.
	// Default: 60s.
	ContinuationTimeout time.Duration `yaml:"continuation_timeout" json:"continuation_timeout"`

	// Temperature and MaxOutputTokens pass through to the provider.
	Temperature     float32 `yaml:"temperature" json:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens" json:"max_output_tokens"`

	// ToolMode controls how the provider may use tools.
	ToolMode models.ToolMode `yaml:"tool_mode" json:"tool_mode"`

	// Delay is the backoff schedule for model-call retries.
	Delay providererr.DelayConfig `yaml:"delay" json:"delay"`

	// Executor bounds parallel tool execution.
	Executor ExecutorConfig `yaml:"executor" json:"executor"`
}

// DefaultLoopConfig returns the default loop settings.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:        10,
		MaxConsecutiveErrors: 3,
		MaxModelAttempts:     4,
		ContinuationTimeout:  60 * time.Second,
		MaxOutputTokens:      4096,
		ToolMode:             models.ToolModeAuto,
		Delay:                providererr.DefaultDelayConfig(),
		Executor:             DefaultExecutorConfig(),
	}
}

func sanitizeLoopConfig(cfg LoopConfig) LoopConfig {
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = defaults.MaxConsecutiveErrors
	}
	if cfg.MaxModelAttempts <= 0 {
		cfg.MaxModelAttempts = defaults.MaxModelAttempts
	}
	if cfg.ContinuationTimeout <= 0 {
		cfg.ContinuationTimeout = defaults.ContinuationTimeout
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = defaults.MaxOutputTokens
	}
	if cfg.ToolMode == "" {
		cfg.ToolMode = defaults.ToolMode
	}
	return cfg
}

// RunResult reports the outcome of one message turn.
type RunResult struct {
	Reason models.TerminationReason
	State  *models.ExecutionState
	Stats  models.RunStats
}

// Loop drives one message turn: model call, tool execution, repeat until a
// terminal condition.
//
// The loop is a state machine:
//
//	idle -> running iteration -> awaiting tool results -> running iteration
//	     -> ... -> terminated
//
// All events for the run are emitted from the loop's goroutine, so intra-run
// ordering needs no locks.
type Loop struct {
	provider Provider
	executor *Executor
	chain    *middleware.Chain
	events   *bus.Bus
	reducer  *history.Reducer
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
	cfg      LoopConfig
}

// NewLoop assembles a loop for one run. reducer and metrics may be nil.
func NewLoop(provider Provider, executor *Executor, chain *middleware.Chain, events *bus.Bus,
	reducer *history.Reducer, metrics *observability.Metrics, logger *slog.Logger, cfg LoopConfig) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		provider: provider,
		executor: executor,
		chain:    chain,
		events:   events,
		reducer:  reducer,
		metrics:  metrics,
		tracer:   observability.NewTracer(),
		logger:   logger,
		cfg:      sanitizeLoopConfig(cfg),
	}
}

// Run executes one user turn against branch. The user message is appended to
// the branch before the first iteration; assistant and tool messages are
// appended as they are produced. On return the branch carries the final
// state and the turn's messages, ready to persist.
func (l *Loop) Run(ctx context.Context, branch *models.Branch, userMessage *models.Message) (*RunResult, error) {
	cfg := l.cfg
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	var runSpanErr error
	ctx, runSpan := l.tracer.StartRun(ctx, l.events.RunID(), branch.SessionID, branch.ID)
	defer func() { observability.End(runSpan, runSpanErr) }()

	stats := models.RunStats{RunID: l.events.RunID(), StartedAt: time.Now().UTC()}
	state := branch.State.Clone()
	if state == nil {
		state = &models.ExecutionState{}
	} else if state.Terminated {
		// Container expansions persist across turns; counters reset.
		state = &models.ExecutionState{ExpandedContainers: state.ExpandedContainers}
	}

	if userMessage != nil {
		branch.Messages = append(branch.Messages, userMessage)
	}

	if err := l.events.Emit(ctx, models.Event{
		Type: models.EventMessageTurnStarted,
		Turn: &models.TurnPayload{SessionID: branch.SessionID, BranchID: branch.ID},
	}); err != nil {
		return nil, err
	}

	iterationBudget := cfg.MaxIterations
	consecutiveErrors := 0
	var reason models.TerminationReason
	var fatalErr error

loop:
	for {
		if err := ctx.Err(); err != nil {
			reason = models.TerminationCancelledByUser
			fatalErr = err
			break loop
		}

		iteration := state.Iteration + 1
		ic := &middleware.IterationContext{
			RunID:        l.events.RunID(),
			SessionID:    branch.SessionID,
			BranchID:     branch.ID,
			Iteration:    iteration,
			SystemPrompt: cfg.SystemPrompt,
			Messages:     branch.Messages,
			State:        state,
		}

		if err := l.events.Emit(ctx, models.Event{
			Type: models.EventAgentTurnStarted,
			Turn: &models.TurnPayload{SessionID: branch.SessionID, BranchID: branch.ID, Iteration: iteration},
		}); err != nil {
			return nil, err
		}

		if err := l.chain.BeforeIteration(ctx, ic); err != nil {
			reason = models.TerminationFatal
			fatalErr = err
			break loop
		}
		branch.Messages = ic.Messages
		state = ic.State

		assistant, usage, err := l.callModel(ctx, ic)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reason = models.TerminationCancelledByUser
				fatalErr = err
				break loop
			}
			consecutiveErrors++
			stats.Errors++
			l.logger.Error("model call failed", "iteration", iteration, "consecutive", consecutiveErrors, "error", err)
			if consecutiveErrors >= l.cfg.MaxConsecutiveErrors {
				reason = models.TerminationConsecutiveErrors
				fatalErr = err
				break loop
			}
			continue
		}
		stats.InputTokens += usage.InputTokens
		stats.OutputTokens += usage.OutputTokens

		branch.Messages = append(branch.Messages, assistant)
		calls := assistant.FunctionCalls()

		if len(calls) == 0 {
			consecutiveErrors = 0
			state = state.WithIteration(iteration)
			stats.Iterations = iteration
			_ = l.events.Emit(ctx, models.Event{
				Type: models.EventAgentTurnFinished,
				Turn: &models.TurnPayload{SessionID: branch.SessionID, BranchID: branch.ID, Iteration: iteration},
			})
			reason = models.TerminationAssistantResponded
			break loop
		}

		ic.PendingCalls = calls
		ic.Messages = branch.Messages
		if err := l.chain.BeforeToolExecution(ctx, ic); err != nil {
			reason = models.TerminationFatal
			fatalErr = err
			break loop
		}
		state = ic.State

		results := l.executor.ExecuteAll(ctx, ic)
		stats.ToolCalls += len(results)

		toolMsg := models.NewMessage(models.RoleTool)
		for _, result := range results {
			toolMsg.Content = append(toolMsg.Content, result)
			state = state.WithCompletedCall(result.CallID)
		}
		branch.Messages = append(branch.Messages, toolMsg)

		ic.Messages = branch.Messages
		if err := l.chain.AfterIteration(ctx, ic); err != nil {
			reason = models.TerminationFatal
			fatalErr = err
			break loop
		}
		branch.Messages = ic.Messages
		state = ic.State

		consecutiveErrors = 0
		state = state.WithIteration(iteration)
		stats.Iterations = iteration

		_ = l.events.Emit(ctx, models.Event{
			Type: models.EventAgentTurnFinished,
			Turn: &models.TurnPayload{SessionID: branch.SessionID, BranchID: branch.ID, Iteration: iteration},
		})

		l.checkpoint(ctx, state)

		if iteration >= iterationBudget {
			if l.requestContinuation(ctx, iteration) {
				iterationBudget += cfg.MaxIterations
				continue
			}
			reason = models.TerminationIterationLimit
			break loop
		}
	}

	state = state.WithTermination(reason)
	branch.State = state

	tc := &middleware.TurnContext{
		RunID:     l.events.RunID(),
		SessionID: branch.SessionID,
		BranchID:  branch.ID,
		Branch:    branch,
		Messages:  branch.Messages,
		State:     state,
	}
	runSpanErr = fatalErr
	if err := l.chain.AfterMessageTurn(ctx, tc); err != nil {
		l.logger.Error("afterMessageTurn failed", "error", err)
	}
	branch.Messages = tc.Messages
	branch.UpdatedAt = time.Now().UTC()

	stats.FinishedAt = time.Now().UTC()
	stats.WallTime = stats.FinishedAt.Sub(stats.StartedAt)
	stats.Cancelled = reason == models.TerminationCancelledByUser
	if l.metrics != nil {
		l.metrics.ObserveRun(string(reason), stats)
	}

	result := &RunResult{Reason: reason, State: state, Stats: stats}

	// Final state snapshot, then the terminal event. Cancellation and fatal
	// failures surface as errors; everything else finishes the turn,
	// iteration limit included.
	terminalCtx := context.WithoutCancel(ctx)
	_ = l.events.Emit(terminalCtx, models.Event{
		Type:     models.EventStateSnapshot,
		Snapshot: &models.SnapshotPayload{State: state.Clone()},
	})
	switch reason {
	case models.TerminationAssistantResponded, models.TerminationIterationLimit:
		_ = l.events.Emit(terminalCtx, models.Event{
			Type: models.EventMessageTurnFinished,
			Turn: &models.TurnPayload{
				SessionID: branch.SessionID,
				BranchID:  branch.ID,
				Iteration: state.Iteration,
				Reason:    reason,
				Stats:     &stats,
			},
		})
		return result, nil
	default:
		payload := &models.ErrorPayload{Message: "run failed", Err: fatalErr}
		if fatalErr != nil {
			payload.Message = fatalErr.Error()
			payload.Category = providererr.Classify(l.provider.Name(), fatalErr).Category
		}
		_ = l.events.Emit(terminalCtx, models.Event{
			Type:  models.EventMessageTurnError,
			Turn:  &models.TurnPayload{SessionID: branch.SessionID, BranchID: branch.ID, Reason: reason, Stats: &stats},
			Error: payload,
		})
		return result, fatalErr
	}
}

// callModel invokes the provider with retry on retryable failures and a
// one-shot history reduction on context-window errors.
func (l *Loop) callModel(ctx context.Context, ic *middleware.IterationContext) (*models.Message, Usage, error) {
	var lastErr error
	reducedOnce := false

	for attempt := 0; attempt < l.cfg.MaxModelAttempts; attempt++ {
		req := ChatRequest{
			Model:           l.cfg.Model,
			Instructions:    ic.SystemPrompt,
			Messages:        ic.Messages,
			Tools:           ic.Tools,
			ToolMode:        l.cfg.ToolMode,
			Temperature:     l.cfg.Temperature,
			MaxOutputTokens: l.cfg.MaxOutputTokens,
		}

		started := time.Now()
		callCtx, span := l.tracer.StartModelCall(ctx, l.provider.Name(), l.cfg.Model)
		stream, err := l.provider.Chat(callCtx, req)
		var out *assembly
		if err == nil {
			out, err = assembleStream(callCtx, l.events, stream)
		}
		observability.End(span, err)
		if l.metrics != nil {
			l.metrics.ObserveModelCall(l.provider.Name(), l.cfg.Model, err == nil, time.Since(started))
		}
		if err == nil {
			return out.message, out.usage, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			return nil, Usage{}, err
		}

		details := providererr.Classify(l.provider.Name(), err)

		if details.Category == models.ErrorContextWindow && l.reducer != nil && !reducedOnce {
			reducedOnce = true
			if result := l.reducer.Reduce(ic.Messages); result.Reduced {
				ic.Messages = result.Messages
				l.logger.Warn("context window exceeded, compacted history",
					"dropped", result.DroppedCount, "tokens", result.TokensAfter)
				continue
			}
		}

		delay, retryable := providererr.RetryDelay(details, attempt, l.cfg.Delay)
		if !retryable || attempt+1 >= l.cfg.MaxModelAttempts {
			return nil, Usage{}, providererr.Wrap(l.provider.Name(), err)
		}

		_ = l.events.Emit(ctx, models.Event{
			Type:  models.EventFunctionRetry,
			Retry: &models.RetryPayload{Attempt: attempt + 1, Delay: delay, Category: details.Category},
		})
		if l.metrics != nil {
			l.metrics.ObserveRetry(string(details.Category))
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, Usage{}, ctx.Err()
		}
	}
	return nil, Usage{}, providererr.Wrap(l.provider.Name(), lastErr)
}

// requestContinuation asks the client whether to keep iterating past the
// budget. Denial, timeout, and transport failure all mean stop.
func (l *Loop) requestContinuation(ctx context.Context, iteration int) bool {
	continuationID := uuid.NewString()
	err := l.events.Emit(ctx, models.Event{
		Type: models.EventContinuationRequest,
		Continuation: &models.ContinuationPayload{
			ContinuationID: continuationID,
			Iteration:      iteration,
		},
	})
	if err != nil {
		return false
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.ContinuationTimeout)
	defer cancel()
	resp, err := l.events.Await(waitCtx, continuationID)
	if err != nil {
		return false
	}
	return resp.Continuation != nil && resp.Continuation.Approved
}

// checkpoint publishes the current execution state so clients can resume
// after interruption.
func (l *Loop) checkpoint(ctx context.Context, state *models.ExecutionState) {
	_ = l.events.Emit(ctx, models.Event{
		Type:     models.EventCheckpointSaved,
		Snapshot: &models.SnapshotPayload{State: state.Clone()},
	})
}
