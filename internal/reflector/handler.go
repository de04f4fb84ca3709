package reflector

import (
	"context"
	"fmt"

	"mindops.dev/sidecar/internal/model"
	"mindops.dev/sidecar/internal/router"
	"mindops.dev/sidecar/internal/store"
)

// RoutingHandler builds a Handler that re-runs the Segment Router over every
// conversation referenced by a claimed job (spec §4.2: "each row is routed
// through the Segment Router after its artifact exists").
func RoutingHandler(segmentRouter *router.SegmentRouter) Handler {
	return func(ctx context.Context, s store.Store, job model.ReflectorJob) error {
		for _, conversationID := range job.ConversationRefs {
			if _, err := segmentRouter.RouteConversation(ctx, s, conversationID); err != nil {
				return fmt.Errorf("routing conversation %s: %w", conversationID, err)
			}
		}
		return nil
	}
}
