// Package logx is tasksched's structured logging: a small Logger on top of
// zerolog whose sinks can be swapped at runtime.
//
// Console output is human readable with a short caller; file output is one
// JSON object per line. An optional alert sink forwards warn+ lines to a
// Sender under a rate limit and never blocks the caller.
package logx
