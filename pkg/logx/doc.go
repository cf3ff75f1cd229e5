// Package logx is the scheduler's structured logger, a thin layer over zerolog.
//
// Loggers derived from a Service follow its level and sinks as they are
// reapplied on config reload. Stdout gets either a console or a JSON
// rendering; the optional file sink is always JSON.
package logx
