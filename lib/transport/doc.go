// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries JSON-RPC frames between clients and the
// dispatcher.
//
// Two listeners share one connection loop:
//
//   - The WebSocket endpoint at /api/current carries one JSON document
//     per text message. /api/<version> or a Sec-WebSocket-Protocol
//     offer pins the session's API version.
//   - The UNIX socket carries newline-delimited JSON. The peer's uid is
//     read with SO_PEERCRED; uid 0 is logged in as a trusted full admin
//     and every other peer starts anonymous.
//
// Each connection opens an [auth.Session]. Method calls run
// concurrently, but their replies are written in the order the
// requests arrived. Event notifications of the connection's
// subscriptions are interleaved with replies as they are delivered;
// a subscription's "ready" reply always precedes its first event.
//
// Frames larger than the session's limit (64 KiB anonymous, 2 MiB
// authenticated by default) end the connection with a policy error: a
// 1009 close frame on WebSocket, an error reply on the UNIX socket.
//
// The HTTP side-channels serve bulk data outside the frame stream:
// POST /_upload feeds a file into a job's input pipe and
// GET /_download/{token} streams a job's output pipe or log file.
// GET /metrics exposes Prometheus metrics.
package transport
