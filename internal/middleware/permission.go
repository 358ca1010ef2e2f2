package middleware

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/weftwork/weft/internal/permission"
	"github.com/weftwork/weft/pkg/models"
)

// PermissionMiddleware consults the broker for each pending tool call and
// short-circuits denied calls with a denial result.
type PermissionMiddleware struct {
	Base
	broker *permission.Broker
}

// NewPermissionMiddleware creates the middleware.
func NewPermissionMiddleware(broker *permission.Broker) *PermissionMiddleware {
	return &PermissionMiddleware{broker: broker}
}

func (m *PermissionMiddleware) Name() string { return "permission" }

func (m *PermissionMiddleware) BeforeToolExecution(ctx context.Context, ic *IterationContext) error {
	for _, call := range ic.PendingCalls {
		if _, done := ic.Synthetic[call.CallID]; done {
			continue
		}
		err := m.broker.Check(ctx, call.CallID, call.Name, call.Arguments)
		if err == nil {
			continue
		}
		if !errors.Is(err, permission.ErrDenied) {
			return err
		}
		denial, marshalErr := json.Marshal("Permission to run this tool was denied by the user.")
		if marshalErr != nil {
			return marshalErr
		}
		ic.SetSynthetic(models.FunctionResult{
			CallID:  call.CallID,
			Result:  denial,
			IsError: true,
		})
	}
	return nil
}

func (m *PermissionMiddleware) AfterMessageTurn(ctx context.Context, tc *TurnContext) error {
	if m.broker.Dirty() && tc.Branch != nil {
		m.broker.Flush(tc.Branch)
	}
	return nil
}
