// Package push is the boundary to the mobile-push transport. The pipeline
// depends only on the Gateway interface; the HTTP implementation posts to a
// push-proxy service that owns APNs credentials and retry policy.
package push

import "context"

// Notification is a standard alert push.
type Notification struct {
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Payload map[string]any `json:"payload,omitempty"`
}

// LiveActivityEvent distinguishes content updates from activity teardown.
type LiveActivityEvent string

const (
	EventUpdate LiveActivityEvent = "update"
	EventEnd    LiveActivityEvent = "end"
)

// LiveActivityPush is a push on the live-activity channel.
type LiveActivityPush struct {
	Event        LiveActivityEvent `json:"event"`
	ContentState map[string]any    `json:"content_state"`
	// DismissalDate is set on "end" pushes: when the surface should
	// disappear from the lock screen (unix seconds).
	DismissalDate int64 `json:"dismissal_date,omitempty"`
}

// Gateway delivers pushes to a single device token. Delivery is best-effort:
// implementations report failure but the caller never retries.
type Gateway interface {
	Deliver(ctx context.Context, deviceToken string, n Notification) error
	DeliverLiveActivity(ctx context.Context, activityToken string, p LiveActivityPush) error
}
