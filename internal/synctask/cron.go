package synctask

import (
	"context"
	"fmt"

	"github.com/worldline-go/hardloop"
)

// ScheduledConnector is one connector instance with a non-empty cron
// schedule, as read from its ConnectorConfig.
type ScheduledConnector struct {
	ID       string
	Schedule string
}

// CronScheduler ticks scheduled connectors on their configured cron
// expression by calling Manager.Start. Modeled on the teacher's
// workflow.Scheduler/hardloop wiring, but with a fixed job set built once
// at startup instead of one reloaded from a trigger store: connector
// schedules come from static config, not from rows a CRUD API can change at
// runtime.
type CronScheduler struct {
	manager *Manager
	runFor  func(connectorID string) RunFunc

	cron interface {
		Start(ctx context.Context) error
		Stop()
	}
}

// NewCronScheduler builds the hardloop cron runner for the given connectors.
// runFor returns the RunFunc to execute for a connector ID when its schedule
// fires. Connectors with an empty Schedule are ignored; if none have a
// schedule, Start is a no-op.
func NewCronScheduler(manager *Manager, connectors []ScheduledConnector, runFor func(connectorID string) RunFunc) (*CronScheduler, error) {
	crons := make([]hardloop.Cron, 0, len(connectors))
	for _, c := range connectors {
		if c.Schedule == "" {
			continue
		}
		connectorID := c.ID
		crons = append(crons, hardloop.Cron{
			Name:  fmt.Sprintf("connector-%s", connectorID),
			Specs: []string{c.Schedule},
			Func: func(ctx context.Context) error {
				run := runFor(connectorID)
				return manager.Start(ctx, connectorID, run)
			},
		})
	}

	cs := &CronScheduler{manager: manager, runFor: runFor}
	if len(crons) == 0 {
		return cs, nil
	}

	job, err := hardloop.NewCron(crons...)
	if err != nil {
		return nil, fmt.Errorf("synctask: build cron runner: %w", err)
	}
	cs.cron = job
	return cs, nil
}

// Start runs every scheduled connector's cron job until ctx is cancelled.
// Safe to call when no connector carries a schedule: it simply blocks until
// ctx is done.
func (cs *CronScheduler) Start(ctx context.Context) error {
	if cs.cron == nil {
		<-ctx.Done()
		return nil
	}
	return cs.cron.Start(ctx)
}

// Stop halts the cron runner, if one was built.
func (cs *CronScheduler) Stop() {
	if cs.cron != nil {
		cs.cron.Stop()
	}
}
