// Package logger provides structured logging for the ytmux service.
//
// Features:
//   - Multiple log levels (TRACE, DEBUG, INFO, WARN, ERROR)
//   - Component-based filtering
//   - Multiple output formats (text, JSON, color)
//   - Size and age based rotation for file outputs
//   - Configuration from YTMUX_LOG_* environment variables
//
// Usage:
//
//	log := logger.WithComponent(logger.ComponentDownloader)
//	log.Info("Starting fetch", map[string]interface{}{
//		"dest": "My_Video_high.mp4",
//		"size": 1024,
//	})
//
//	config := logger.EnvironmentConfig()
//	l, err := logger.CreateLoggerWithRotation(config)
//	if err == nil {
//		logger.SetGlobalLogger(l)
//	}
//
// Components:
//   - ComponentApp: process lifecycle
//   - ComponentOrchestrator: job state transitions
//   - ComponentDownloader: stream transfers
//   - ComponentTranscode: ffmpeg invocations
//   - ComponentStore: artifact writes and retention
//   - ComponentResolver: metadata and format resolution
//   - ComponentCache: metadata cache
//   - ComponentServer: HTTP access log
package logger
