// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

/*
Package handshake drives the federation handshake between two sites.

A handshake moves through INIT, ISSUED and REDEEMED, with EXPIRED and
REJECTED as terminal failure states:

  - Authorize runs on the issuing site A. It checks the caller and issues an
    authorization code bound to the returning site B (INIT to ISSUED).
  - Callback runs on B when the visitor comes back with the code. B calls
    A's exchange endpoint through the PeerClient and stores the returned
    token as a federated identity of A.
  - Exchange runs on A when B calls it. The code is redeemed atomically and
    a fresh token is minted (ISSUED to REDEEMED).

A code that is unknown, expired or already used rejects the handshake. An
expired or used record is deleted on the failed attempt.

Authorize requests from visitors that are not logged in are parked as
Pending handshakes until the visitor authenticates.
*/
package handshake
