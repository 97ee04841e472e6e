// Package atp provides a pausable execution engine for agent-authored
// programs.
//
// An agent submits a small program; the server runs it in a sandbox and
// pauses whenever the program needs something only the agent can supply —
// an LLM completion, a human approval, an embedding, or a client-side tool
// result. Paused executions persist durably and resume deterministically on
// any server instance by replaying the recorded callback history.
//
// # Quick Start
//
// Install the server:
//
//	go install github.com/kadirpekel/atp/cmd/atp@latest
//
// Start it with a configuration file:
//
//	SESSION_SECRET=... atp serve --config atp.yaml
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/kadirpekel/atp/pkg/engine"
//	    "github.com/kadirpekel/atp/pkg/statestore"
//	    "github.com/kadirpekel/atp/pkg/config"
//	)
//
// # Key Features
//
//   - **Pause/resume protocol**: every atp.* and api.* call may suspend
//   - **Durable state**: in-memory, SQLite, or Redis execution records
//   - **Deterministic replay**: resumed runs re-execute against history
//   - **Provenance tracking**: taint metadata and security policies on
//     tool-call arguments
//   - **Multi-tenant sessions**: sliding-window tokens isolate tenants
//
// # License
//
// AGPL-3.0 - See LICENSE.md for details.
package atp
