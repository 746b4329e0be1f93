package safety

import (
	"context"
	"time"

	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/smithy-go/middleware"
)

// Middleware returns an APIOptions hook that re-checks every operation at
// the SDK layer. Guard is the primary enforcement point; this catches a
// handler that reached a client without going through it.
func (g *Gate) Middleware() func(*middleware.Stack) error {
	return func(stack *middleware.Stack) error {
		return stack.Initialize.Add(middleware.InitializeMiddlewareFunc("ReadOnlyGate", func(ctx context.Context, input middleware.InitializeInput, next middleware.InitializeHandler) (
			middleware.InitializeOutput, middleware.Metadata, error,
		) {
			service := awsmiddleware.GetServiceID(ctx)
			operation := middleware.GetOperationName(ctx)

			if decision := g.Classify(service, operation); decision != DecisionReadOnly {
				g.mu.Lock()
				g.violations++
				g.audit = append(g.audit, AuditEntry{
					Timestamp: time.Now().UTC(),
					Service:   service,
					Operation: operation,
					Decision:  decision,
					Reason:    "blocked at SDK layer",
				})
				g.mu.Unlock()
				g.logger.Error("blocked non-read-only operation at SDK layer",
					"service", service, "operation", operation)
				return middleware.InitializeOutput{}, middleware.Metadata{},
					&ViolationError{Service: service, Operation: operation, Decision: decision}
			}
			return next.HandleInitialize(ctx, input)
		}), middleware.Before)
	}
}
