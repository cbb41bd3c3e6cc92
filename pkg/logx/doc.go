// Package logx configures hrnotify's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller, colors only on a TTY)
//   - File output JSON-structured
//   - Sinks swappable at runtime (config hot reload)
package logx
