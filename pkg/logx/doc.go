// Package logx configures nudgebot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Output/level hot-swappable when the config file changes
package logx
