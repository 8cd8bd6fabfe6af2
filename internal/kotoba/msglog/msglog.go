// Package msglog is the durable, append-only, per-room message log.
//
// Every room is a contiguous key range in an ordered key-value engine (see
// keycodec). Append writes one entry at the end of the room's range and Tail
// reads the last N entries with a single bounded reverse scan, so the cost of
// a read depends on N and never on the size of the room's history.
//
// Entries are never updated or deleted.
package msglog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bdobrica/kotoba/internal/kotoba/keycodec"
	"github.com/bdobrica/kotoba/internal/kotoba/store"
)

// ErrStorageUnavailable wraps every failure of the underlying engine.
var ErrStorageUnavailable = errors.New("message storage unavailable")

// Message is a single chat turn.
type Message struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// LogEntry is the persisted unit: a message at a position in a room.
type LogEntry struct {
	RoomID   string
	Sequence uint64
	Message  Message
}

// Engine is the ordered key-value substrate. *store.Store satisfies it.
type Engine interface {
	Put(ctx context.Context, key, value []byte) error
	ReverseScan(ctx context.Context, low, high []byte, limit int) ([]store.KV, error)
}

// Log is safe for concurrent use. Appends to the same room are serialised;
// appends and reads of different rooms never wait on each other.
type Log struct {
	engine Engine
	now    func() time.Time

	mu    sync.Mutex // guards rooms only, never held during I/O
	rooms map[string]*roomState
}

// roomState tracks the last sequence handed out for one room.
type roomState struct {
	mu     sync.Mutex
	loaded bool
	last   uint64
}

// Option configures a Log.
type Option func(*Log)

// WithClock replaces time.Now as the source of sequence values.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New returns a Log over engine.
func New(engine Engine, opts ...Option) *Log {
	l := &Log{
		engine: engine,
		now:    time.Now,
		rooms:  make(map[string]*roomState),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append stores msg at the end of roomID's log and returns the entry.
//
// The sequence is the current time in microseconds, bumped to last+1 when the
// clock has not advanced (or went backwards) since the previous append to the
// room, so sequences within a room are strictly increasing.
func (l *Log) Append(ctx context.Context, roomID string, msg Message) (LogEntry, error) {
	if _, _, err := keycodec.PrefixRange(roomID); err != nil {
		return LogEntry{}, err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return LogEntry{}, fmt.Errorf("encode message: %w", err)
	}

	rs := l.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.loaded {
		last, err := l.lastSequence(ctx, roomID)
		if err != nil {
			return LogEntry{}, err
		}
		rs.last = last
		rs.loaded = true
	}

	seq := uint64(l.now().UnixMicro())
	if seq <= rs.last {
		seq = rs.last + 1
	}
	key, err := keycodec.Encode(roomID, seq)
	if err != nil {
		return LogEntry{}, err
	}
	if err := l.engine.Put(ctx, key, value); err != nil {
		return LogEntry{}, fmt.Errorf("%w: append to %s: %w", ErrStorageUnavailable, roomID, err)
	}
	rs.last = seq

	return LogEntry{RoomID: roomID, Sequence: seq, Message: msg}, nil
}

// Tail returns the last limit messages of roomID, oldest first. It returns
// every message when the room holds fewer than limit, and none when
// limit <= 0.
func (l *Log) Tail(ctx context.Context, roomID string, limit int) ([]Message, error) {
	low, high, err := keycodec.PrefixRange(roomID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Message{}, nil
	}

	pairs, err := l.engine.ReverseScan(ctx, low, high, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: tail of %s: %w", ErrStorageUnavailable, roomID, err)
	}

	out := make([]Message, len(pairs))
	for i, kv := range pairs {
		var m Message
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			return nil, fmt.Errorf("%w: decode entry %q: %w", ErrStorageUnavailable, kv.Key, err)
		}
		// pairs arrive newest first
		out[len(pairs)-1-i] = m
	}
	return out, nil
}

func (l *Log) room(roomID string) *roomState {
	l.mu.Lock()
	defer l.mu.Unlock()
	rs, ok := l.rooms[roomID]
	if !ok {
		rs = &roomState{}
		l.rooms[roomID] = rs
	}
	return rs
}

// lastSequence reads the highest stored sequence of roomID, or 0 when the
// room is empty.
func (l *Log) lastSequence(ctx context.Context, roomID string) (uint64, error) {
	low, high, err := keycodec.PrefixRange(roomID)
	if err != nil {
		return 0, err
	}
	pairs, err := l.engine.ReverseScan(ctx, low, high, 1)
	if err != nil {
		return 0, fmt.Errorf("%w: read last sequence of %s: %w", ErrStorageUnavailable, roomID, err)
	}
	if len(pairs) == 0 {
		return 0, nil
	}
	_, seq, err := keycodec.Decode(pairs[0].Key)
	if err != nil {
		return 0, err
	}
	return seq, nil
}
