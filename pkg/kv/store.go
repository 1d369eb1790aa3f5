// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

var jsonNull = []byte("null")

// UpdateFunc receives the current value of a key (nil when the key is absent)
// and returns the value to store. Returning a nil slice deletes the key;
// returning an error aborts the update without writing.
//
// Backends with optimistic concurrency may call the function more than once,
// so it must not accumulate state across calls.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the key-value capability the protocol core depends on.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Update atomically replaces the value under key with the result of fn.
	// No other Update or Set on the same key interleaves with it.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Close releases any resources held by the store.
	Close() error
}

// unchanged reports whether an update produced the value already stored, in
// which case backends skip the write.
func unchanged(current, next []byte) bool {
	return current != nil && next != nil && bytes.Equal(current, next)
}

// GetJSON loads the JSON document stored under key into a T. The boolean is
// false when the key does not exist, in which case the zero T is returned.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var v T
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return v, true, nil
}

// SetJSON stores v under key as a JSON document.
func SetJSON[T any](ctx context.Context, s Store, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// UpdateJSON decodes the document under key into a T (zero when absent), lets
// fn mutate it and stores the result, all within a single atomic Update.
func UpdateJSON[T any](ctx context.Context, s Store, key string, fn func(v *T) error) error {
	return s.Update(ctx, key, func(current []byte) ([]byte, error) {
		var v T
		if current != nil {
			if err := json.Unmarshal(current, &v); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", key, err)
			}
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		next, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", key, err)
		}
		if current == nil && bytes.Equal(next, jsonNull) {
			// leave absent keys absent
			return nil, nil
		}
		return next, nil
	})
}
