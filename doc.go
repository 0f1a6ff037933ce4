// Package kaiak is a JSON-RPC 2.0 server that lets IDE clients drive a
// code-fixing agent over long-lived, bidirectional sessions.
//
// A client sends generate_fix with a batch of static-analysis incidents.
// The server streams the agent's progress, model output, tool calls, file
// modification proposals and questions back as numbered notifications, and
// finishes with exactly one response. Questions are answered through
// client/user_message; unanswered ones resolve by per-tool timeout
// policies.
//
// # Quick Start
//
//	go install github.com/kadirpekel/kaiak/cmd/kaiak@latest
//	kaiak serve --config kaiak.yaml
//
// Messages use LSP Content-Length framing over stdio or a unix socket.
//
// # Packages
//
//   - pkg/protocol: wire types, error codes and method names
//   - pkg/transport: framing and the stdio and socket listeners
//   - pkg/session: the session registry and its optional SQL store
//   - pkg/agent: agent adapters and the event bridge
//   - pkg/approval: interaction resolution and timeout policies
//   - pkg/stream: the per-operation state machine
//   - pkg/server: connection handling and method dispatch
//
// # License
//
// AGPL-3.0 - See LICENSE.md for details.
package kaiak
