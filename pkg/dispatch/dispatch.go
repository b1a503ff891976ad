// Package dispatch routes task-creation notifications to candidate runners.
// Dispatch never assigns ownership: it only advertises that work exists, and
// the claim path remains the sole way a task binds to a worker. Every tier is
// best-effort; a tier that cannot deliver falls through to the next.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
)

// Tier identifies which delivery path carried a notification.
type Tier string

const (
	TierDirect    Tier = "direct"
	TierWebhook   Tier = "webhook"
	TierBroadcast Tier = "broadcast"
	TierNone      Tier = "none"
)

// Notifier delivers notifications to connected runners. Implementations are
// transport-specific; the router treats any returned error as "not delivered"
// and falls through.
type Notifier interface {
	// NotifyRunner tells one named runner about a task.
	NotifyRunner(ctx context.Context, runnerID string, task *protocol.Task) error

	// Broadcast tells every connected runner that a task is claimable.
	Broadcast(ctx context.Context, task *protocol.Task) error
}

// Router tries direct notification, then the workspace webhook, then
// broadcast.
type Router struct {
	notifier Notifier          // nil when no runner transport is connected
	routes   map[string]string // workspace id -> webhook URL
	client   *http.Client
	events   *eventlog.Writer
}

// NewRouter builds a router. notifier may be nil, routes may be empty, and
// events may be nil; the router degrades to whatever tiers remain.
func NewRouter(notifier Notifier, routes map[string]string, events *eventlog.Writer) *Router {
	return &Router{
		notifier: notifier,
		routes:   routes,
		client:   &http.Client{Timeout: 10 * time.Second},
		events:   events,
	}
}

// SetClient overrides the webhook HTTP client. Test use only.
func (r *Router) SetClient(c *http.Client) { r.client = c }

// Dispatch advertises a newly created task. runnerID, when non-empty, names
// the preferred runner for the direct tier. Returns the tier that delivered,
// TierNone when every tier fell through.
func (r *Router) Dispatch(ctx context.Context, task *protocol.Task, runnerID string) Tier {
	tier := r.dispatch(ctx, task, runnerID)
	if r.events != nil {
		_ = r.events.Log(ctx, "dispatch", "router", task.ID, "",
			fmt.Sprintf(`{"tier":%q,"runner":%q}`, tier, runnerID))
	}
	return tier
}

func (r *Router) dispatch(ctx context.Context, task *protocol.Task, runnerID string) Tier {
	if runnerID != "" && r.notifier != nil {
		if err := r.notifier.NotifyRunner(ctx, runnerID, task); err == nil {
			return TierDirect
		}
	}

	if url, ok := r.routes[task.WorkspaceID]; ok {
		if err := r.postWebhook(ctx, url, task); err == nil {
			return TierWebhook
		}
	}

	if r.notifier != nil {
		if err := r.notifier.Broadcast(ctx, task); err == nil {
			return TierBroadcast
		}
	}
	return TierNone
}

// webhookPayload is the body POSTed to a workspace webhook.
type webhookPayload struct {
	Event string         `json:"event"`
	Task  *protocol.Task `json:"task"`
}

func (r *Router) postWebhook(ctx context.Context, url string, task *protocol.Task) error {
	body, err := json.Marshal(webhookPayload{Event: "task.created", Task: task})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s returned %d", url, resp.StatusCode)
	}
	return nil
}
