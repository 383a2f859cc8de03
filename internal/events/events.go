// Package events carries state change notifications over NATS: the inbound
// event and library batch subjects and the outbound notification subjects.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/service"
)

const DefaultSubjectPrefix = "orcabus.workflowmanager"

// Subjects names the NATS subjects derived from a prefix.
type Subjects struct {
	StateChangeIn      string
	LibraryBatchIn     string
	WorkflowRunChanged string
	AnalysisRunChanged string
}

func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return Subjects{
		StateChangeIn:      prefix + ".workflowrunstatechange.in",
		LibraryBatchIn:     prefix + ".librarybatch.in",
		WorkflowRunChanged: prefix + ".workflowrunstatechange",
		AnalysisRunChanged: prefix + ".analysisrunstatechange",
	}
}

// Connect dials NATS and keeps reconnecting in the background.
func Connect(url, name string, logger service.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to NATS at %s", url)
	}
	return conn, nil
}

// Conn is the publishing side of a NATS connection.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher implements service.Publisher with JSON bodies.
type NATSPublisher struct {
	conn     Conn
	subjects Subjects
}

func NewNATSPublisher(conn Conn, subjects Subjects) *NATSPublisher {
	return &NATSPublisher{conn: conn, subjects: subjects}
}

func (p *NATSPublisher) PublishWorkflowRunStateChange(ctx context.Context, evt models.WorkflowRunStateChange) error {
	return p.publish(ctx, p.subjects.WorkflowRunChanged, evt)
}

func (p *NATSPublisher) PublishAnalysisRunStateChange(ctx context.Context, evt models.AnalysisRunStateChange) error {
	return p.publish(ctx, p.subjects.AnalysisRunChanged, evt)
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", subject)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return errors.Wrapf(err, "publish %s", subject)
	}
	return nil
}
