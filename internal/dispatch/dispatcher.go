// Package dispatch fans detector events out to registered recipients through
// the push gateway, and keeps the durable print-history log.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kolapsis/printwatch/internal/detect"
	"github.com/kolapsis/printwatch/internal/push"
	"github.com/kolapsis/printwatch/internal/store"
)

// RecipientSource provides registered recipients for a printer prefix.
// Defined consumer-side per Go convention; the recipient table is an
// externally-owned, read-mostly store.
type RecipientSource interface {
	ListRecipients(prefix string) ([]store.Recipient, error)
}

// HistorySink records print lifecycle events durably.
type HistorySink interface {
	AddHistory(e *store.HistoryEntry) error
}

// RecipientResult is the delivery outcome for one recipient.
type RecipientResult struct {
	RecipientID string
	Err         error
}

// DeliveryReport summarizes one dispatched event. Partial failure is
// expected and non-fatal: an invalid token never blocks the others.
type DeliveryReport struct {
	Kind      string
	Prefix    string
	Attempted int
	Sent      int
	Results   []RecipientResult
}

// Failed returns the number of failed deliveries.
func (r DeliveryReport) Failed() int {
	return r.Attempted - r.Sent
}

// Dispatcher consumes detector events and delivers push notifications.
type Dispatcher struct {
	recipients  RecipientSource
	history     HistorySink
	gateway     push.Gateway
	maxParallel int
}

// NewDispatcher creates a Dispatcher. maxParallel caps concurrent push
// calls per dispatched event (minimum 1). history may be nil to disable
// the print-history log.
func NewDispatcher(recipients RecipientSource, history HistorySink, gateway push.Gateway, maxParallel int) *Dispatcher {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Dispatcher{
		recipients:  recipients,
		history:     history,
		gateway:     gateway,
		maxParallel: maxParallel,
	}
}

// OnStatusTransition delivers the notification for a status transition to
// every recipient whose preference for that event kind is enabled.
func (d *Dispatcher) OnStatusTransition(ctx context.Context, t *detect.StatusTransition) DeliveryReport {
	d.record(&store.HistoryEntry{
		Prefix:    t.Prefix,
		Event:     string(t.Kind),
		Filename:  t.Filename,
		CreatedAt: t.ObservedAt,
	})

	n := renderTransition(t)
	return d.fanOut(ctx, string(t.Kind), t.Prefix, n, func(r *store.Recipient) bool {
		switch t.Kind {
		case detect.KindStarted:
			return r.OnStart
		case detect.KindCompleted:
			return r.OnComplete
		case detect.KindFailed:
			return r.OnFailed
		case detect.KindPaused:
			return r.OnPaused
		}
		return false
	})
}

// OnMilestone delivers the notification for a milestone crossing to every
// recipient with the milestone preference enabled.
func (d *Dispatcher) OnMilestone(ctx context.Context, m *detect.MilestoneCrossing) DeliveryReport {
	d.record(&store.HistoryEntry{
		Prefix:    m.Prefix,
		Event:     "milestone",
		Filename:  m.Filename,
		Progress:  m.ProgressAtCrossing,
		CreatedAt: m.ObservedAt,
	})

	n := renderMilestone(m)
	return d.fanOut(ctx, "milestone", m.Prefix, n, func(r *store.Recipient) bool {
		return r.OnMilestone
	})
}

// fanOut delivers n to every matching recipient with bounded concurrency.
// Delivery is at-most-once and best-effort: failures are recorded in the
// report and logged, never retried here.
func (d *Dispatcher) fanOut(ctx context.Context, kind, prefix string, n push.Notification, wants func(*store.Recipient) bool) DeliveryReport {
	report := DeliveryReport{Kind: kind, Prefix: prefix}

	recipients, err := d.recipients.ListRecipients(prefix)
	if err != nil {
		slog.Error("recipient lookup failed",
			"prefix", prefix,
			"kind", kind,
			"error", err)
		return report
	}

	var targets []store.Recipient
	for i := range recipients {
		if wants(&recipients[i]) {
			targets = append(targets, recipients[i])
		}
	}
	report.Attempted = len(targets)
	if len(targets) == 0 {
		return report
	}

	report.Results = make([]RecipientResult, len(targets))

	var g errgroup.Group
	g.SetLimit(d.maxParallel)
	for i := range targets {
		i := i
		g.Go(func() error {
			err := d.gateway.Deliver(ctx, targets[i].PushToken, n)
			report.Results[i] = RecipientResult{RecipientID: targets[i].ID, Err: err}
			return nil // partial failure must not stop the others
		})
	}
	_ = g.Wait()

	for _, res := range report.Results {
		if res.Err == nil {
			report.Sent++
			continue
		}
		slog.Warn("push delivery failed",
			"prefix", prefix,
			"kind", kind,
			"recipient", res.RecipientID,
			"token_rejected", push.IsTokenRejected(res.Err),
			"error", res.Err)
	}

	slog.Info("notification dispatched",
		"prefix", prefix,
		"kind", kind,
		"sent", report.Sent,
		"failed", report.Failed())

	return report
}

func (d *Dispatcher) record(e *store.HistoryEntry) {
	if d.history == nil {
		return
	}
	if err := d.history.AddHistory(e); err != nil {
		slog.Error("history write failed", "prefix", e.Prefix, "event", e.Event, "error", err)
	}
}

// renderTransition produces the title/body pair for a status transition.
func renderTransition(t *detect.StatusTransition) push.Notification {
	file := t.Filename
	if file == "" {
		file = "Print"
	}

	var title, body string
	switch t.Kind {
	case detect.KindStarted:
		title = "Print Started 🖨️"
		body = fmt.Sprintf("%s started on %s", file, t.Prefix)
	case detect.KindCompleted:
		title = "Print Complete ✅"
		body = fmt.Sprintf("%s finished on %s", file, t.Prefix)
	case detect.KindFailed:
		title = "Print Failed ⚠️"
		body = fmt.Sprintf("%s failed on %s", file, t.Prefix)
	case detect.KindPaused:
		title = "Print Paused ⏸️"
		body = fmt.Sprintf("%s paused on %s", file, t.Prefix)
	}

	return push.Notification{
		Title: title,
		Body:  body,
		Payload: map[string]any{
			"prefix": t.Prefix,
			"kind":   string(t.Kind),
		},
	}
}

// renderMilestone produces the title/body pair for a milestone crossing.
func renderMilestone(m *detect.MilestoneCrossing) push.Notification {
	file := m.Filename
	if file == "" {
		file = "Print"
	}
	return push.Notification{
		Title: fmt.Sprintf("Print %d%% Complete", m.Milestone),
		Body:  fmt.Sprintf("%s is %d%% done on %s", file, m.ProgressAtCrossing, m.Prefix),
		Payload: map[string]any{
			"prefix":    m.Prefix,
			"kind":      "milestone",
			"milestone": m.Milestone,
		},
	}
}
