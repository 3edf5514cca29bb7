package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Global variable
var zapLog *zap.Logger

func Init(debug bool) {
	var config zap.Config
	var encoderConf zapcore.EncoderConfig

	if debug {
		config = zap.NewDevelopmentConfig()
		encoderConf = zap.NewDevelopmentEncoderConfig()

		// Use a human readable time
		encoderConf.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewProductionConfig()
		encoderConf = zap.NewProductionEncoderConfig()

		// Use unix timestamp millis for production
		encoderConf.EncodeTime = zapcore.EpochMillisTimeEncoder
	}

	config.EncoderConfig = encoderConf

	// Build the logger and skip one caller as thats our own log package
	var err error
	zapLog, err = config.Build(zap.AddCallerSkip(1))

	// Panic if we cant log correctly
	if err != nil {
		panic(err)
	}
}

// L returns the underlying logger for packages that carry their own
// scoped *zap.Logger.
func L() *zap.Logger {
	if zapLog == nil {
		Init(false)
	}
	return zapLog
}

func Debug(message string, fields ...zap.Field) {
	L().Debug(message, fields...)
}

func Info(message string, fields ...zap.Field) {
	L().Info(message, fields...)
}

func Warn(message string, fields ...zap.Field) {
	L().Warn(message, fields...)
}

func Error(message string, fields ...zap.Field) {
	L().Error(message, fields...)
}

func Fatal(message string, fields ...zap.Field) {
	L().Fatal(message, fields...)
}
