// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package kv provides the key-value capability that backs every persisted
// protocol collection (tokens, federated identities, code registries, bans,
// sessions, the peace log).
//
// All backends implement [Store]. Mutations that must not race, such as
// redeeming a one-time code, go through [Store.Update], which each backend
// makes atomic in its own way:
//
//   - [MemoryStore] holds a single mutex.
//   - [FileStore] combines a process mutex with an advisory file lock.
//   - [RedisStore] uses WATCH/MULTI and retries when the key changed underneath it.
//   - [SQLiteStore] runs the read and the write in one transaction on a
//     single-connection pool.
package kv
