// Package logging provides structured logging using uber/zap for every
// layer of the pipeline core, from the worker process up through the
// coordinator.
//
// This package offers two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Log Levels:
//   - Debug: Verbose debugging information
//   - Info: General informational messages
//   - Warn: Warning messages
//   - Error: Error messages
//   - Fatal: Fatal errors (exits process)
//
// Features:
//   - Zero-allocation logging in production
//   - Structured fields for context
//   - Configurable output paths
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("stage started", logging.StageField("enrich"), zap.Int("capacity", 1024))
//	logger.Error("stage call failed", logging.StageField("enrich"), zap.Error(err))
//
// A worker process must never write its own diagnostics to stdout —
// that stream carries BATCH_RESULT frames to the coordinator. Worker
// loggers are always configured with stderr as the only output path.
package logging
