// Package aard is the request orchestration core of the AARD personal
// AI environment. It turns a natural-language request into an approved,
// executable plan and runs it under bounded autonomy.
//
// The core is organized as independent packages wired together at startup:
//   - journal    - append-only execution event journal (audit + streaming)
//   - prompts    - versioned prompt registry and runtime selector
//   - capability - registry of agents, tools, models, and servers
//   - ai         - model invocation gateway with pluggable providers
//   - memory     - checkpoint snapshots and long-term memory interface
//   - plan       - plan lifecycle, step DAG, and step executor
//   - approval   - adaptive approval gate (trust x risk x autonomy)
//   - reflection - post-execution analysis and interpretation biases
//   - governor   - resource quotas, timeouts, and concurrency limits
//   - pipeline   - the staged workflow state machine that drives them all
//   - api        - HTTP and WebSocket surface
//
// Applications normally run cmd/aardd, which loads configuration, connects
// storage, and serves the API. Each package also works standalone against
// its in-memory store for embedding and testing.
package aard
