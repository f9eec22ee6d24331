// Package logger provides a singleton zap logger with context-based scoping.
//
// The daemon calls Init once at startup. Every signing cycle gets a scoped
// logger carrying the zone and a cycle id, stored in the context so the
// engine and the stores log with the same fields:
//
//	logger.Init(logger.Config{Env: "prod", Level: "info"})
//	defer logger.Sync()
//
//	log := logger.From(ctx)
//	log.Info("zone signed", logger.Zone(zone), logger.Serial(serial))
//
// Without a scoped logger in the context, From falls back to the singleton.
package logger
