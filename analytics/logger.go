package analytics

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ StepDataCollector = new(LogFileDataCollector)

type LogFileDataCollector struct {
	fileName string
	logger   *zap.Logger
}

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(fileEncoder, zapcore.AddSync(logFile), zapcore.InfoLevel)
	return &LogFileDataCollector{
		fileName: fileName,
		logger:   zap.New(core),
	}, nil
}

func (lc *LogFileDataCollector) RecordStepSuccess(flowId string, contactId string, stepId string, action string, data map[string]any) {
	lc.logger.Info("success", zap.String("flowId", flowId), zap.String("contactId", contactId), zap.String("stepId", stepId), zap.String("action", action), zap.Any("data", data))
}

func (lc *LogFileDataCollector) RecordStepFailure(flowId string, contactId string, stepId string, action string, reason string) {
	lc.logger.Info("failure", zap.String("flowId", flowId), zap.String("contactId", contactId), zap.String("stepId", stepId), zap.String("action", action), zap.String("reason", reason))
}

func (lc *LogFileDataCollector) Close() error {
	return lc.logger.Sync()
}
