package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/queue"
	"github.com/BaSui01/taskflow/task"
)

// RecoverAll schedules every unfinished task for recovery and appends the
// terminal event of recently finished tasks whose log a crash left open.
func (e *Engine) RecoverAll(ctx context.Context) error {
	open, err := e.registry.List(ctx, task.Filter{
		Status: []task.Status{task.StatusPending, task.StatusInProgress},
	})
	if err != nil {
		return fmt.Errorf("list unfinished tasks: %w", err)
	}
	for _, t := range open {
		if err := e.queue.Enqueue(ctx, queue.Job{Kind: queue.KindRecover, TaskID: t.ID}); err != nil {
			return fmt.Errorf("schedule recovery of %s: %w", t.ID, err)
		}
	}

	finished, err := e.registry.List(ctx, task.Filter{
		Status:       []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusCanceled},
		UpdatedSince: time.Now().Add(-e.config.RecoveryWindow),
	})
	if err != nil {
		return fmt.Errorf("list finished tasks: %w", err)
	}
	checked := 0
	for _, t := range finished {
		if err := e.exec.Recover(ctx, t.ID); err != nil {
			e.logger.Warn("terminal reconciliation failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		checked++
	}

	e.logger.Info("recovery scheduled",
		zap.Int("unfinished", len(open)),
		zap.Int("finished_checked", checked),
	)
	return nil
}
