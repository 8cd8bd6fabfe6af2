// Package matrix connects the relay to a Matrix homeserver through
// mautrix-go.
//
// The client accepts every room invite, converts each m.room.message it sees
// (including the bot's own) into an envelope.RoomEvent and hands it to a
// single EventHandler. Timeline events from before the first sync are
// skipped, and the sync position is persisted so restarts do not replay
// history.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/kotoba/common/redact"
	"github.com/bdobrica/kotoba/common/retry"
	"github.com/bdobrica/kotoba/common/spec/envelope"
	"github.com/bdobrica/kotoba/common/trace"
)

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver  string
	AccessToken string
	// UserID may be empty; ResolveUserID then asks the homeserver.
	UserID string
	// DB persists the sync position. When nil an in-memory store is used
	// and every restart starts from a fresh initial sync.
	DB *sql.DB
}

// EventHandler receives every decoded room message.
type EventHandler func(ctx context.Context, evt *envelope.RoomEvent)

// Client is the relay's Matrix session.
type Client struct {
	mxc     *mautrix.Client
	secrets redact.Secrets

	handler EventHandler
	started bool
	stopCh  chan struct{}
	done    chan struct{}
	stop    sync.Once

	// runSync runs one long-lived sync session; after schedules reconnects.
	runSync func(ctx context.Context) error
	after   func(d time.Duration) <-chan time.Time
	backoff retry.Backoff
	// joinRetry governs invite acceptance, which runs inside the sync loop.
	joinRetry retry.Config
	// synced is set whenever a sync response arrives and cleared by the
	// loop, which then restarts the back-off from Min.
	synced atomic.Bool
}

// New creates the client but does not contact the homeserver.
func New(cfg Config) (*Client, error) {
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}

	if cfg.DB != nil {
		mxc.Store = NewDBSyncStore(cfg.DB)
	} else {
		slog.Warn("matrix sync store: no database configured, sync position is not persisted")
	}

	c := &Client{
		mxc:     mxc,
		secrets: redact.Secrets{cfg.AccessToken},
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		after:   time.After,
		backoff: retry.Backoff{Min: 2 * time.Second, Max: 5 * time.Minute},
		joinRetry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			ShouldRetry:  func(err error) bool { return !errors.Is(err, mautrix.MForbidden) },
		},
	}
	c.runSync = mxc.SyncWithContext
	return c, nil
}

// UserID returns the bot's Matrix user id, or "" before it is resolved.
func (c *Client) UserID() string { return c.mxc.UserID.String() }

// ResolveUserID fills in the bot's user id with /account/whoami when it was
// not configured. Transient failures are retried.
func (c *Client) ResolveUserID(ctx context.Context) (string, error) {
	if c.mxc.UserID != "" {
		return c.UserID(), nil
	}
	resp, err := retry.Value(ctx, retry.DefaultConfig, func(ctx context.Context) (*mautrix.RespWhoami, error) {
		return c.mxc.Whoami(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("whoami: %s", c.secrets.RedactError(err))
	}
	c.mxc.UserID = resp.UserID
	return c.UserID(), nil
}

// Start registers handler and begins syncing in the background. The sync
// loop reconnects with exponential back-off until ctx ends or Stop is
// called.
func (c *Client) Start(ctx context.Context, handler EventHandler) error {
	if c.mxc.UserID == "" {
		return errors.New("matrix client: user id is not resolved")
	}
	c.handler = handler

	slog.Warn("Matrix E2EE is not enabled; encrypted rooms are not readable")

	syncer, ok := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix client: unexpected syncer implementation")
	}
	// Registered first: DontProcessOldEvents stops the chain on the
	// initial sync.
	syncer.OnSync(func(context.Context, *mautrix.RespSync, string) bool {
		c.synced.Store(true)
		return true
	})
	syncer.OnSync(c.mxc.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		c.handleMessage(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(_ context.Context, evt *event.Event) {
		c.handleMembership(ctx, evt)
	})

	c.started = true
	go c.syncLoop(ctx)
	return nil
}

func (c *Client) syncLoop(ctx context.Context) {
	defer close(c.done)

	for {
		err := c.runSync(ctx)
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err == nil {
			return
		}

		if c.synced.Swap(false) {
			c.backoff.Reset()
		}
		delay := c.backoff.Next()
		slog.Error("matrix sync failed; reconnecting",
			"err", c.secrets.RedactError(err), "backoff", delay)
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-c.after(delay):
		}
	}
}

// Stop halts the sync loop and waits for it to exit, or for ctx to end.
func (c *Client) Stop(ctx context.Context) error {
	c.stop.Do(func() {
		close(c.stopCh)
		c.mxc.StopSync()
	})
	if !c.started {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendText posts a plain m.text message to roomID.
func (c *Client) SendText(ctx context.Context, roomID, text string) error {
	if _, err := c.mxc.SendText(ctx, id.RoomID(roomID), text); err != nil {
		return fmt.Errorf("send to %s: %s", roomID, c.secrets.RedactError(err))
	}
	return nil
}

// handleMessage decodes a timeline message and passes it on. Undecodable
// events are dropped.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	roomEvt, err := envelope.Decode(evt.RoomID.String(), evt.ID.String(), evt.Sender.String(), evt.Content.VeryRaw)
	if err != nil {
		slog.Debug("dropping room event", "room", evt.RoomID, "event_id", evt.ID, "err", err)
		return
	}
	if c.handler != nil {
		c.handler(trace.WithTraceID(ctx, trace.GenerateID()), roomEvt)
	}
}

// handleMembership accepts invites addressed to the bot.
func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != c.UserID() {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if err := c.join(ctx, evt.RoomID); err != nil {
		slog.Warn("could not join room", "room", evt.RoomID, "inviter", evt.Sender, "err", err)
		return
	}
	slog.Info("joined room", "room", evt.RoomID, "inviter", evt.Sender)
}

func (c *Client) join(ctx context.Context, roomID id.RoomID) error {
	err := retry.Do(ctx, c.joinRetry, func(ctx context.Context) error {
		_, err := c.mxc.JoinRoomByID(ctx, roomID)
		return err
	})
	if errors.Is(err, mautrix.MForbidden) {
		return fmt.Errorf("invite withdrawn or room forbidden: %w", c.secrets.Wrap(err))
	}
	return c.secrets.Wrap(err)
}
