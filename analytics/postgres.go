package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mohitkumar/dripflow/logger"
	"github.com/mohitkumar/dripflow/util"
	"go.uber.org/zap"
)

const createStepEventsTable = `
create table if not exists step_events (
	id          bigserial primary key,
	flow_id     text not null,
	contact_id  text not null,
	step_id     text,
	action      text not null,
	success     boolean not null,
	reason      text,
	data        jsonb,
	recorded_at timestamptz not null
)`

const insertStepEvent = `insert into step_events
	(flow_id, contact_id, step_id, action, success, reason, data, recorded_at)
	values ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`

type stepEvent struct {
	FlowId    string
	ContactId string
	StepId    string
	Action    string
	Success   bool
	Reason    string
	Data      map[string]any
	At        time.Time
}

var _ StepDataCollector = new(PostgresDataCollector)

// PostgresDataCollector appends step events to a postgres table from a
// background worker so a slow database never blocks the executor.
type PostgresDataCollector struct {
	pool   *pgxpool.Pool
	worker *util.Worker[stepEvent]
	wg     sync.WaitGroup
}

func NewPostgresDataCollector(ctx context.Context, dsn string) (*PostgresDataCollector, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	var one int
	if err := pool.QueryRow(ctx, "select 1").Scan(&one); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres not ready: %w", err)
	}
	if _, err := pool.Exec(ctx, createStepEventsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create step_events: %w", err)
	}
	pc := &PostgresDataCollector{pool: pool}
	pc.worker = util.NewWorker[stepEvent]("postgres-analytics", &pc.wg, pc.insert, 1024)
	pc.worker.Start()
	return pc, nil
}

func (pc *PostgresDataCollector) insert(ev stepEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var data any
	if len(ev.Data) > 0 {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		data = string(b)
	}
	_, err := pc.pool.Exec(ctx, insertStepEvent, ev.FlowId, ev.ContactId, ev.StepId, ev.Action, ev.Success, ev.Reason, data, ev.At)
	return err
}

func (pc *PostgresDataCollector) submit(ev stepEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := pc.worker.Submit(ctx, ev); err != nil {
		logger.Warn("dropping step event", zap.String("flowId", ev.FlowId), zap.String("contactId", ev.ContactId), zap.Error(err))
	}
}

func (pc *PostgresDataCollector) RecordStepSuccess(flowId string, contactId string, stepId string, action string, data map[string]any) {
	pc.submit(stepEvent{FlowId: flowId, ContactId: contactId, StepId: stepId, Action: action, Success: true, Data: data, At: time.Now().UTC()})
}

func (pc *PostgresDataCollector) RecordStepFailure(flowId string, contactId string, stepId string, action string, reason string) {
	pc.submit(stepEvent{FlowId: flowId, ContactId: contactId, StepId: stepId, Action: action, Reason: reason, At: time.Now().UTC()})
}

func (pc *PostgresDataCollector) Close() error {
	pc.worker.Stop()
	pc.wg.Wait()
	pc.pool.Close()
	return nil
}
