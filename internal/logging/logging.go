// Package logging builds the single *zap.SugaredLogger instance threaded
// through the gateway's components, the way the teacher threads explicit
// state into constructors instead of reaching for package-level globals.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production logger, or a development one (human-friendly,
// colored, caller-annotated) when debug is true per mqtt.json's "debug" flag.
func New(debug bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build(zap.AddCallerSkip(0))
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Named returns a child logger tagged with a component name, used so log
// lines can be grepped per subsystem (e.g. "session", "media", "codec").
func Named(base *zap.SugaredLogger, component string) *zap.SugaredLogger {
	return base.Named(component)
}

// WithDevice returns a child logger tagged with a device's MAC and the
// connection id of its current session, attached to every session-scoped
// log line.
func WithDevice(base *zap.SugaredLogger, mac string, connID uint32) *zap.SugaredLogger {
	return base.With("mac", mac, "connection_id", connID)
}
