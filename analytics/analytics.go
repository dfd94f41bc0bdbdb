package analytics

import (
	"context"
	"fmt"
)

type DataCollectorConfig struct {
	FileName      string
	CollectorType DataCollectorType
	PostgresDSN   string
}

type DataCollectorType string

const LOG_FILE_DATA_COLLECTOR DataCollectorType = "log"
const POSTGRES_DATA_COLLECTOR DataCollectorType = "postgres"
const NOOP_DATA_COLLECTOR DataCollectorType = "none"

// StepDataCollector receives one record per executed step. Implementations
// must be safe for concurrent use and must not fail the step.
type StepDataCollector interface {
	RecordStepSuccess(flowId string, contactId string, stepId string, action string, data map[string]any)
	RecordStepFailure(flowId string, contactId string, stepId string, action string, reason string)
	Close() error
}

func NewDataCollector(ctx context.Context, config DataCollectorConfig) (StepDataCollector, error) {
	switch config.CollectorType {
	case LOG_FILE_DATA_COLLECTOR:
		return NewLogFileDataCollector(config.FileName)
	case POSTGRES_DATA_COLLECTOR:
		return NewPostgresDataCollector(ctx, config.PostgresDSN)
	case NOOP_DATA_COLLECTOR, "":
		return NoopDataCollector{}, nil
	}
	return nil, fmt.Errorf("unknown data collector %s", config.CollectorType)
}

type NoopDataCollector struct{}

var _ StepDataCollector = NoopDataCollector{}

func (NoopDataCollector) RecordStepSuccess(flowId string, contactId string, stepId string, action string, data map[string]any) {
}

func (NoopDataCollector) RecordStepFailure(flowId string, contactId string, stepId string, action string, reason string) {
}

func (NoopDataCollector) Close() error { return nil }
