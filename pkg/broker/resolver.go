package broker

import (
	"context"
	"fmt"

	"foreman/pkg/protocol"
)

// resolveDependencies checks, after a task changes state, whether its parent's
// children have all settled, and if so emits one aggregate notification with
// the completed/failed counts.
//
// No lock is held across the check, so two siblings settling concurrently can
// both observe the all-terminal condition and emit duplicates; consumers
// dedupe by parent task id and event id. Failures here are logged and
// swallowed; dependency notification is best-effort and never fails the
// settling operation.
func (b *Broker) resolveDependencies(ctx context.Context, task *protocol.Task) {
	if task.ParentTaskID == "" {
		return
	}

	children, err := b.store.ListChildren(ctx, task.ParentTaskID)
	if err != nil {
		b.logEvent(ctx, "resolver_error", "broker", task.ParentTaskID, "", err.Error())
		return
	}

	var completed, failed int
	for _, child := range children {
		switch child.Status {
		case protocol.TaskCompleted:
			completed++
		case protocol.TaskFailed:
			failed++
		default:
			// An unsettled sibling: no aggregate event yet.
			return
		}
	}

	b.logEvent(ctx, "children_settled", "broker", task.ParentTaskID, "",
		fmt.Sprintf(`{"completed":%d,"failed":%d}`, completed, failed))

	if b.onChildrenSettled != nil {
		b.onChildrenSettled(ctx, task.ParentTaskID, completed, failed)
	}
}
