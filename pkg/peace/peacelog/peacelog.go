// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package peacelog stores the append-only log of received peace messages.
package peacelog

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	peaceerrors "github.com/stacklok/peace-protocol/pkg/errors"
	"github.com/stacklok/peace-protocol/pkg/kv"
)

// Key is the store key holding the log.
const Key = "peace_log"

// Entry is one received message.
type Entry struct {
	ID        int64     `json:"id"`
	FromSite  string    `json:"from_site"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// Log appends and lists entries. Ids increase monotonically.
type Log struct {
	store kv.Store
	clock clock.PassiveClock
}

// New creates a Log.
func New(store kv.Store, clk clock.PassiveClock) *Log {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Log{store: store, clock: clk}
}

// Append stores a new entry and returns its id.
func (l *Log) Append(ctx context.Context, fromSite, note string) (int64, error) {
	var id int64
	err := kv.UpdateJSON(ctx, l.store, Key, func(entries *[]Entry) error {
		id = 1
		if n := len(*entries); n > 0 {
			id = (*entries)[n-1].ID + 1
		}
		*entries = append(*entries, Entry{
			ID:        id,
			FromSite:  fromSite,
			Note:      note,
			CreatedAt: l.clock.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return 0, peaceerrors.NewPersistError("failed to store peace log entry", err)
	}
	return id, nil
}

// List returns every entry, oldest first.
func (l *Log) List(ctx context.Context) ([]Entry, error) {
	entries, _, err := kv.GetJSON[[]Entry](ctx, l.store, Key)
	if err != nil {
		return nil, peaceerrors.NewPersistError("failed to load peace log", err)
	}
	return entries, nil
}
