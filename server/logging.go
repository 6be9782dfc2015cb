package server

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the server's SugaredLogger, mirroring the teacher's
// serverLogger(level) helper: zap's production config (JSON output) at the
// given level, with an ISO8601 time field named "ts".
func newLogger(level zapcore.Level) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// logFields prefixes every log line with the server's id and current role
// and term, the same convention the teacher's logFields(server, ...) helper
// uses so a single grep finds everything emitted by one server instance.
func logFields(s *Server, kv ...interface{}) []interface{} {
	fields := []interface{}{"server_id", s.id, "role", s.role().String(), "term", s.currentTerm()}
	return append(fields, kv...)
}
