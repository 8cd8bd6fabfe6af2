// Package relay runs one conversational turn per inbound room message.
//
// Every text message is appended to its room's log first. Messages from
// anyone but the bot then trigger a completion over the room's recent
// window, and the reply (or a fixed fallback when the backend fails) is
// posted back to the same room. The bot's reply is not appended here; it
// reaches the log when the chat service echoes it back as a room event.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bdobrica/kotoba/common/spec/envelope"
	"github.com/bdobrica/kotoba/internal/kotoba/llm"
	"github.com/bdobrica/kotoba/internal/kotoba/msglog"
	"github.com/bdobrica/kotoba/internal/kotoba/observability"
	"github.com/bdobrica/kotoba/internal/kotoba/window"
)

// ErrBackendFailure marks a failed or timed-out completion call.
var ErrBackendFailure = errors.New("ai backend failure")

// MessageLog is the subset of *msglog.Log the relay uses.
type MessageLog interface {
	Append(ctx context.Context, roomID string, msg msglog.Message) (msglog.LogEntry, error)
	Tail(ctx context.Context, roomID string, limit int) ([]msglog.Message, error)
}

// Sender posts plain text to a room.
type Sender interface {
	SendText(ctx context.Context, roomID, text string) error
}

// Config holds the per-turn parameters.
type Config struct {
	// BotID is the bot's own sender id. Its messages are logged but never
	// answered, and become assistant turns in the window.
	BotID           string
	WindowSize      int
	Model           string
	MaxTokens       int
	Temperature     float64
	FallbackMessage string
}

// Stats is a snapshot of the relay counters.
type Stats struct {
	EventsHandled   int64 `json:"events_handled"`
	RepliesSent     int64 `json:"replies_sent"`
	BackendFailures int64 `json:"backend_failures"`
}

// Relay wires the message log, completion backend and chat sender.
type Relay struct {
	cfg      Config
	log      MessageLog
	provider llm.Provider
	sender   Sender

	eventsHandled   atomic.Int64
	repliesSent     atomic.Int64
	backendFailures atomic.Int64
}

// New returns a Relay. cfg.WindowSize must be positive.
func New(cfg Config, log MessageLog, provider llm.Provider, sender Sender) *Relay {
	return &Relay{cfg: cfg, log: log, provider: provider, sender: sender}
}

// Stats returns the current counters.
func (r *Relay) Stats() Stats {
	return Stats{
		EventsHandled:   r.eventsHandled.Load(),
		RepliesSent:     r.repliesSent.Load(),
		BackendFailures: r.backendFailures.Load(),
	}
}

// HandleEvent processes one inbound event to completion. Malformed and
// non-text events are dropped with a nil error. The returned error is for
// callers that want to classify the outcome; everything is already logged.
func (r *Relay) HandleEvent(ctx context.Context, evt *envelope.RoomEvent) error {
	log := observability.WithTrace(ctx)

	if err := evt.Validate(); err != nil {
		log.Debug("dropping malformed event", "err", err)
		return nil
	}
	if !evt.IsText() {
		log.Debug("ignoring non-text event", "room", evt.RoomID, "msgtype", evt.MsgType)
		return nil
	}
	log = log.With("room", evt.RoomID, "sender", evt.Sender, "event_id", evt.EventID)
	r.eventsHandled.Add(1)

	if _, err := r.log.Append(ctx, evt.RoomID, msglog.Message{Sender: evt.Sender, Text: evt.Body}); err != nil {
		log.Error("could not append message", "err", err)
		return err
	}
	if evt.Sender == r.cfg.BotID {
		return nil
	}

	history, err := r.log.Tail(ctx, evt.RoomID, r.cfg.WindowSize)
	if err != nil {
		log.Error("could not read room history", "err", err)
		return err
	}

	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		Model:       r.cfg.Model,
		Messages:    window.Build(r.cfg.BotID, history),
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	})
	if err != nil {
		r.backendFailures.Add(1)
		log.Error("completion failed; sending fallback", "err", err, "window", len(history))
		if sendErr := r.sender.SendText(ctx, evt.RoomID, r.cfg.FallbackMessage); sendErr != nil {
			log.Error("could not send fallback", "err", sendErr)
		}
		return fmt.Errorf("%w: %w", ErrBackendFailure, err)
	}

	log.Info("completion usage",
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"total_tokens", resp.Usage.TotalTokens,
		"finish_reason", resp.FinishReason,
	)

	if !resp.HasReply() {
		log.Info("backend returned no reply")
		return nil
	}
	if err := r.sender.SendText(ctx, evt.RoomID, resp.Message.Content); err != nil {
		log.Error("could not send reply", "err", err)
		return fmt.Errorf("send reply: %w", err)
	}
	r.repliesSent.Add(1)
	return nil
}
