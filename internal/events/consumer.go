package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/service"
)

type StateChangeHandler interface {
	HandleStateChange(ctx context.Context, evt models.WorkflowRunStateChange) (*models.WorkflowRunStateChange, error)
}

type BatchAssigner interface {
	Assign(ctx context.Context, batch []models.LibraryMetadata) ([]models.AnalysisRun, error)
}

// Executor runs a job to completion; *service.WorkerPool implements it.
type Executor interface {
	Execute(ctx context.Context, job service.Job) error
}

// Consumer feeds inbound NATS messages to the worker pool. Each message is
// its own job; library batches are keyed by batch id so a redelivered batch
// is rejected while the first copy is still being assigned.
type Consumer struct {
	conn       *nats.Conn
	subjects   Subjects
	queueGroup string
	pool       Executor
	runs       StateChangeHandler
	assigner   BatchAssigner
	logger     service.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
	wg   sync.WaitGroup
}

func NewConsumer(conn *nats.Conn, subjects Subjects, queueGroup string, pool Executor,
	runs StateChangeHandler, assigner BatchAssigner, logger service.Logger) *Consumer {
	return &Consumer{
		conn:       conn,
		subjects:   subjects,
		queueGroup: queueGroup,
		pool:       pool,
		runs:       runs,
		assigner:   assigner,
		logger:     logger,
	}
}

// Start subscribes to the inbound subjects. Jobs run under ctx; cancel it to
// stop in-flight work.
func (c *Consumer) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, []byte) error{
		c.subjects.StateChangeIn:  c.handleStateChange,
		c.subjects.LibraryBatchIn: c.handleLibraryBatch,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for subject, handle := range handlers {
		subject, handle := subject, handle
		sub, err := c.conn.QueueSubscribe(subject, c.queueGroup, func(msg *nats.Msg) {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if err := handle(ctx, msg.Data); err != nil {
					c.logger.Errorf("Failed to handle message on %s: %v", subject, err)
				}
			}()
		})
		if err != nil {
			return errors.Wrapf(err, "subscribe %s", subject)
		}
		c.subs = append(c.subs, sub)
		c.logger.Infof("Subscribed to %s (queue %s)", subject, c.queueGroup)
	}
	return nil
}

// Stop drains the subscriptions and waits for dispatched jobs to return.
func (c *Consumer) Stop() {
	c.mu.Lock()
	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warnf("Failed to drain %s: %v", sub.Subject, err)
		}
	}
	c.subs = nil
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Consumer) handleStateChange(ctx context.Context, data []byte) error {
	var evt models.WorkflowRunStateChange
	if err := json.Unmarshal(data, &evt); err != nil {
		return errors.Wrap(service.ErrInvalidEvent, err.Error())
	}
	return c.pool.Execute(ctx, service.Job{
		Run: func(ctx context.Context) error {
			out, err := c.runs.HandleStateChange(ctx, evt)
			if err != nil {
				return err
			}
			if out == nil {
				c.logger.Debugf("State change %s for %s was a no-op", evt.Status, evt.PortalRunID)
			}
			return nil
		},
	})
}

func (c *Consumer) handleLibraryBatch(ctx context.Context, data []byte) error {
	var batch models.LibraryBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return errors.Wrap(service.ErrInvalidEvent, err.Error())
	}
	key := ""
	if batch.BatchID != "" {
		key = "batch:" + batch.BatchID
	}
	return c.pool.Execute(ctx, service.Job{
		Key: key,
		Run: func(ctx context.Context) error {
			runs, err := c.assigner.Assign(ctx, batch.Libraries)
			if err != nil {
				return err
			}
			c.logger.Infof("Batch %s produced %d analysis runs", batch.BatchID, len(runs))
			return nil
		},
	})
}
