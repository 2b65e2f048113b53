package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogFormat int

const (
	ColorizedOutput LogFormat = iota
	PlaintextOutput
	JSONOutput
)

func newCore(format LogFormat, ws zapcore.WriteSyncer, level zapcore.Level) zapcore.Core {
	encCnf := zap.NewProductionEncoderConfig()
	encCnf.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch format {
	case JSONOutput:
		enc = zapcore.NewJSONEncoder(encCnf)
	case ColorizedOutput:
		encCnf.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCnf)
	default:
		encCnf.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCnf)
	}

	return zapcore.NewCore(enc, ws, level)
}
