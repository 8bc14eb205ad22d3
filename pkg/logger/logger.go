package logger

import (
	"paynode/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(New),
)

// New builds the process logger and installs it as the zap global so that
// services can log through zap.L().
func New(cfg *config.Config) *zap.Logger {
	var log *zap.Logger

	if cfg.AppEnv == "production" {
		zc := zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.LevelKey = "severity"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.Encoding = "json"
		zc.OutputPaths = []string{"stdout"}
		zc.ErrorOutputPaths = []string{"stderr"}

		var err error
		log, err = zc.Build()
		if err != nil {
			panic(err)
		}
	} else {
		log = zap.Must(zap.NewDevelopment())
	}

	log = log.With(
		zap.String("env", cfg.AppEnv),
		zap.String("service_name", cfg.AppName),
	)

	zap.ReplaceGlobals(log)

	return log
}
