// Package convoflow provides an embeddable orchestration engine for
// multi-step, conversational onboarding workflows.
//
// A workflow is a graph of named steps, each owned by a reasoning agent
// and closed only when its completion criteria are satisfied. The engine
// keeps three promises that normally conflict: step transitions are
// deterministic and replayable after a crash, side-effecting work (agent
// calls, memory writes, persistence) stays isolated and retryable, and
// the user still sees token-level output in near-real-time.
//
// # Core Concepts
//
//  1. Engine
//  2. Signal inbox
//  3. Completion criteria
//  4. Streaming orchestrator
//  5. Runner
//
// # Engine
//
// The Engine stores workflow definitions, persists instance state, and
// consumes signals — user messages, connection events, stream completions
// and manual overrides — strictly one at a time per instance. All state
// mutation flows through offer → drain → transition → save → ack, so a
// crash at any point leads to redelivery, and redelivery is a no-op.
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability, including the signal inbox)
//   - Redis
//
// # Signal inbox
//
// External events are appended to a durable, per-instance FIFO queue and
// acknowledged only after the resulting instance state has been
// persisted. That ordering is what turns at-least-once delivery into
// effectively-once processing.
//
// # Completion criteria
//
// Each step names a criteria evaluator: agent signal only, agent signal
// plus a long-term-memory fact threshold, agent signal plus a
// record-collection threshold, always-satisfied for terminal steps, or a
// boolean expression evaluated with expr-lang. New kinds register into
// the criteria.Registry without touching the state machine. Evaluation
// errors fail closed — a broken checker never advances a step.
//
// # Streaming orchestrator
//
// Token-level output bypasses the deterministic core: the orchestrator
// runs the agent call itself, emits stream.chunk events to the
// notification channel, and on any terminal outcome synthesizes a
// streamingComplete signal back into the inbox carrying the final
// result. The durable core performs its transition bookkeeping from that
// single result and never re-invokes the agent.
//
// # Runner
//
// Runner bundles an engine, its inbox and a streaming orchestrator with
// background drain workers into a single process-local runtime — the
// convenient way to run workflows in one service.
//
// External collaborators — the reasoning agent, long-term memory, the
// record store and the notification channel — are consumed through small
// interfaces in pkg/api and injected at construction; there are no
// process-wide singletons.
package convoflow
