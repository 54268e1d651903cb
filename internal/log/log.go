package log

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

type Logger struct {
	*zap.SugaredLogger
}

// NewLogger builds a production logger, or a development one when
// LOG_LEVEL=debug.
func NewLogger() *Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return &Logger{logger.Sugar()}
}

// FromZap wraps an existing zap logger, e.g. an observer core in tests.
func FromZap(logger *zap.Logger) *Logger {
	return &Logger{logger.Sugar()}
}

func NewNop() *Logger {
	return &Logger{zap.NewNop().Sugar()}
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{l.SugaredLogger.Named(component)}
}
