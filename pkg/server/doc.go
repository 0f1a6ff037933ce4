// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package server is the kaiak JSON-RPC server.
//
// Each client connection gets one reader goroutine and one writer
// goroutine. The reader decodes and dispatches messages; generate_fix hands
// its operation to a stream.Operation goroutine that alone writes the
// operation's notifications and terminal response, so the reader stays free
// to route cancels and interaction responses while operations run.
//
// Run the server over stdio:
//
//	kaiak serve
//
// or on a unix socket:
//
//	kaiak serve --transport socket --socket-path /tmp/kaiak.sock
package server
