package utils

import (
	"go.uber.org/zap"
)

// NewLogger builds the service logger. Development mode switches to the
// human-readable console encoder with debug level enabled.
func NewLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return logger.Named("diagramcollab")
}
