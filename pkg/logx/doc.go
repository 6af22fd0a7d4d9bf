// Package logx configures postrunner's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional observer sink (min-level + rate limiting) feeding progress
//     entries to whatever UI or delivery layer embeds the engine
package logx
