// internal/core/sink.go
package core

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Publisher delivers a payload to the downstream queue.
type Publisher interface {
	Publish(ctx context.Context, subject string, message interface{}) error
}

// Journal is the local spill log batches land in when the queue is down.
type Journal interface {
	Append(subject string, data interface{}) error
}

// DurableSink publishes validated batches downstream and spills them to the
// journal when the queue is unreachable. A spilled batch counts as persisted:
// the gateway gets its ack and the replay command delivers the batch later.
type DurableSink struct {
	publisher Publisher
	journal   Journal
	subject   string
	logger    *logrus.Logger
}

// NewDurableSink wires the sink. journal may be nil, in which case a publish
// failure is surfaced to the caller instead of spilled.
func NewDurableSink(publisher Publisher, journal Journal, subject string, logger *logrus.Logger) *DurableSink {
	return &DurableSink{
		publisher: publisher,
		journal:   journal,
		subject:   subject,
		logger:    logger,
	}
}

// Publish implements BatchSink.
func (s *DurableSink) Publish(ctx context.Context, batch *ValidatedBatch) error {
	err := s.publisher.Publish(ctx, s.subject, batch)
	if err == nil {
		return nil
	}

	if s.journal == nil {
		return err
	}

	s.logger.WithError(err).WithField("batch_id", batch.BatchID).
		Warn("Downstream queue unreachable, spilling batch to WAL")
	if jerr := s.journal.Append(s.subject, batch); jerr != nil {
		s.logger.WithError(jerr).WithField("batch_id", batch.BatchID).
			Error("WAL spill failed")
		return err
	}
	return nil
}
