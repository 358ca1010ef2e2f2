package middleware

import (
	"context"
	"fmt"

	"github.com/weftwork/weft/internal/bus"
	"github.com/weftwork/weft/internal/history"
	"github.com/weftwork/weft/pkg/models"
)

// HistoryReductionMiddleware compacts the message list before the model
// call when it exceeds the configured trigger threshold.
type HistoryReductionMiddleware struct {
	Base
	reducer *history.Reducer
	events  *bus.Bus
}

// NewHistoryReductionMiddleware creates the middleware.
func NewHistoryReductionMiddleware(reducer *history.Reducer, events *bus.Bus) *HistoryReductionMiddleware {
	return &HistoryReductionMiddleware{reducer: reducer, events: events}
}

func (m *HistoryReductionMiddleware) Name() string { return "history_reduction" }

func (m *HistoryReductionMiddleware) BeforeIteration(ctx context.Context, ic *IterationContext) error {
	result := m.reducer.Reduce(ic.Messages)
	if !result.Reduced {
		return nil
	}
	ic.Messages = result.Messages

	if m.events != nil {
		_ = m.events.Emit(ctx, models.Event{
			Type: models.EventMiddlewareProgress,
			Progress: &models.ProgressPayload{
				Middleware: m.Name(),
				Stage:      "reduced",
				Detail: fmt.Sprintf("dropped %d messages, %d -> %d tokens",
					result.DroppedCount, result.TokensBefore, result.TokensAfter),
			},
		})
	}
	return nil
}
