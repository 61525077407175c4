// Package storage provides a minimal persistence layer used by the engine.
//
// It currently supports:
//   - Delivery audit appends (one record per outbox hand-off)
//   - Fire marks (per-job per-day state so restarts don't double-send)
package storage
