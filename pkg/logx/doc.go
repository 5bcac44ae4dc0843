// Package logx configures the engine's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp and caller) and file output JSON-structured.
// Loggers derived from a Service follow Service.Apply, so a config reload
// changes level and sinks without rebuilding components.
package logx
