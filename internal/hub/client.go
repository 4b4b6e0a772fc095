// Package hub maintains the authenticated, auto-reconnecting websocket
// session to a home-automation hub and relays its state-changed event feed.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jpillora/backoff"
)

var (
	// ErrAuthFailed means the hub rejected the access token. Never retried:
	// credentials must be re-supplied.
	ErrAuthFailed = errors.New("hub: authentication rejected")

	// ErrExhausted means the reconnection budget ran out.
	ErrExhausted = errors.New("hub: reconnection attempts exhausted")
)

// readLimit bounds a single websocket frame. Full snapshots of a busy hub
// run to hundreds of kilobytes.
const readLimit = 4 << 20

// Config configures a hub Client.
type Config struct {
	// Name identifies the hub in logs.
	Name string
	// URL is the websocket endpoint, e.g. "ws://hub.local:8123/api/websocket".
	URL string
	// Token is the long-lived access token for the auth handshake.
	Token string
	// MaxReconnects caps consecutive failed reconnection attempts.
	MaxReconnects int
}

// Client is a persistent event-stream session to one hub. Messages arrive on
// Messages() strictly in upstream order; after every successful (re)connect a
// full snapshot is delivered before any incremental event from that session,
// so events missed during a disconnect window are never silently lost.
type Client struct {
	cfg  Config
	msgs chan Message
}

// NewClient creates a Client. Run must be called to start the session.
func NewClient(cfg Config) *Client {
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 10
	}
	return &Client{
		cfg:  cfg,
		msgs: make(chan Message, 64),
	}
}

// Messages returns the ordered stream of snapshots and incremental events.
func (c *Client) Messages() <-chan Message {
	return c.msgs
}

// Run connects and processes the event stream until the context is
// cancelled, authentication fails, or the reconnection budget is exhausted.
//
// Transient connection losses are recovered with exponential backoff
// (1s doubling, capped at 60s); the backoff resets after every session that
// reaches the authenticated-and-subscribed state.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    60 * time.Second,
		Factor: 2,
	}

	for {
		ready, err := c.session(ctx)
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ready {
			b.Reset()
		}

		if int(b.Attempt()) >= c.cfg.MaxReconnects {
			return fmt.Errorf("%w: hub %q unreachable after %d attempts: %v",
				ErrExhausted, c.cfg.Name, c.cfg.MaxReconnects, err)
		}

		delay := b.Duration()
		slog.Warn("hub connection lost, reconnecting",
			"hub", c.cfg.Name,
			"attempt", int(b.Attempt()),
			"delay", delay,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// session runs one full connection lifecycle: dial, authenticate, subscribe,
// snapshot, then relay events until the channel breaks. ready reports
// whether the session got as far as a confirmed subscription (used to reset
// the reconnect backoff).
func (c *Client) session(ctx context.Context) (ready bool, err error) {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	if err := c.authenticate(ctx, conn); err != nil {
		return false, err
	}

	// Subscribe before fetching the snapshot so no event slips through the
	// gap; events arriving before the snapshot response are buffered and
	// flushed after it (snapshot-first ordering).
	const (
		subscribeID = 1
		snapshotID  = 2
	)
	sub := map[string]any{"id": subscribeID, "type": "subscribe_events", "event_type": "state_changed"}
	if err := wsjson.Write(ctx, conn, sub); err != nil {
		return false, fmt.Errorf("subscribing: %w", err)
	}
	snap := map[string]any{"id": snapshotID, "type": "get_states"}
	if err := wsjson.Write(ctx, conn, snap); err != nil {
		return false, fmt.Errorf("requesting snapshot: %w", err)
	}

	var pending []RawEvent
	snapshotDelivered := false

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return ready, err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			// Malformed frames are dropped, never fatal to the event loop.
			slog.Debug("dropping undecodable frame", "hub", c.cfg.Name, "error", err)
			continue
		}

		switch f.Type {
		case "result":
			if f.Success != nil && !*f.Success {
				return ready, fmt.Errorf("hub rejected request %d: %s", f.ID, f.Message)
			}
			switch f.ID {
			case subscribeID:
				ready = true
				slog.Info("hub subscription confirmed", "hub", c.cfg.Name)
			case snapshotID:
				var states []EntityState
				if err := json.Unmarshal(f.Result, &states); err != nil {
					return ready, fmt.Errorf("decoding snapshot: %w", err)
				}
				if err := c.emit(ctx, Message{Snapshot: states}); err != nil {
					return ready, err
				}
				for i := range pending {
					if err := c.emit(ctx, Message{Event: &pending[i]}); err != nil {
						return ready, err
					}
				}
				pending = nil
				snapshotDelivered = true
				slog.Info("hub snapshot applied", "hub", c.cfg.Name, "entities", len(states))
			}

		case "event":
			raw, err := parseStateChanged(f.Event)
			if err != nil {
				slog.Debug("dropping malformed event", "hub", c.cfg.Name, "error", err)
				continue
			}
			if raw == nil {
				continue
			}
			if !snapshotDelivered {
				pending = append(pending, *raw)
				continue
			}
			if err := c.emit(ctx, Message{Event: raw}); err != nil {
				return ready, err
			}

		case "ping":
			pong := map[string]any{"id": f.ID, "type": "pong"}
			if err := wsjson.Write(ctx, conn, pong); err != nil {
				return ready, fmt.Errorf("answering ping: %w", err)
			}

		default:
			slog.Debug("ignoring frame", "hub", c.cfg.Name, "type", f.Type)
		}
	}
}

// authenticate performs the auth_required/auth/auth_ok handshake.
func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	var hello frame
	if err := readFrame(ctx, conn, &hello); err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("unexpected hello frame %q", hello.Type)
	}

	auth := map[string]any{"type": "auth", "access_token": c.cfg.Token}
	if err := wsjson.Write(ctx, conn, auth); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	var reply frame
	if err := readFrame(ctx, conn, &reply); err != nil {
		return fmt.Errorf("reading auth reply: %w", err)
	}
	switch reply.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("%w: %s", ErrAuthFailed, reply.Message)
	default:
		return fmt.Errorf("unexpected auth reply %q", reply.Type)
	}
}

// readFrame reads and decodes one envelope. Used during the handshake, where
// an undecodable frame is fatal (unlike the main loop, which drops them).
func readFrame(ctx context.Context, conn *websocket.Conn, f *frame) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, f); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}

// emit delivers a message downstream, honoring cancellation.
func (c *Client) emit(ctx context.Context, m Message) error {
	select {
	case c.msgs <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
