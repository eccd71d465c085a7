// internal/core/ingest.go
package core

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// BatchSink receives validated batches for downstream persistence. The
// production sink publishes to the service bus and spills to a local WAL when
// the bus is unreachable.
type BatchSink interface {
	Publish(ctx context.Context, batch *ValidatedBatch) error
}

// IngestionService validates inbound sample batches. A batch is accepted or
// rejected as a unit; partial acceptance is disallowed so the agent's retry
// is a whole-batch idempotent resend.
type IngestionService struct {
	repo          Repository
	sink          BatchSink
	logger        *logrus.Logger
	maxBatchSize  int
	maxFutureSkew time.Duration
	maxSampleAge  time.Duration
	now           func() time.Time
}

// NewIngestionService creates the validator with the configured limits. sink
// may be nil (validation-only mode, used in tests and --dev).
func NewIngestionService(repo Repository, sink BatchSink, logger *logrus.Logger, maxBatchSize int, maxFutureSkew, maxSampleAge time.Duration) *IngestionService {
	return &IngestionService{
		repo:          repo,
		sink:          sink,
		logger:        logger,
		maxBatchSize:  maxBatchSize,
		maxFutureSkew: maxFutureSkew,
		maxSampleAge:  maxSampleAge,
		now:           time.Now,
	}
}

// Validate checks a batch and returns it stamped for downstream persistence.
// Content is passed through unchanged: quality flags in particular are never
// upgraded or suppressed, since masking sensor-quality problems is itself a
// safety defect.
func (s *IngestionService) Validate(batch *DataBatch, gatewayUID string) (*ValidatedBatch, error) {
	if batch.BatchID == "" {
		return nil, NewError(ErrBatchIDMissing, "batch identifier is required")
	}
	if len(batch.Samples) > s.maxBatchSize {
		return nil, NewErrorf(ErrBatchSizeExceeded, "batch of %d samples exceeds the limit of %d", len(batch.Samples), s.maxBatchSize).
			WithDetail("limit", s.maxBatchSize).
			WithDetail("actual", len(batch.Samples))
	}

	now := s.now()
	for i := range batch.Samples {
		sample := &batch.Samples[i]
		if sample.TagID == "" {
			return nil, NewErrorf(ErrTagIDMissing, "sample %d is missing its tag identifier", i).
				WithDetail("sample_index", i)
		}
		if err := validateSampleValue(sample, i); err != nil {
			return nil, err
		}
		if sample.Quality == "" {
			sample.Quality = QualityGood
		} else if sample.Quality != QualityGood && sample.Quality != QualityUncertain && sample.Quality != QualityBad {
			return nil, NewErrorf(ErrTagValueInvalid, "sample %d has unknown quality %q", i, sample.Quality).
				WithDetail("sample_index", i).
				WithDetail("tag_id", sample.TagID)
		}
	}

	// Per-sample defects take precedence over batch timestamp problems.
	if err := s.validateTimestamp(batch.Timestamp, now); err != nil {
		return nil, err
	}

	return &ValidatedBatch{
		DataBatch:   *batch,
		GatewayUID:  gatewayUID,
		ValidatedAt: now,
	}, nil
}

// Ingest validates a batch and hands it to the downstream sink, then records
// the sync on the gateway's activation code. Returns the accepted sample
// count.
func (s *IngestionService) Ingest(ctx context.Context, gateway *Gateway, batch *DataBatch) (int, error) {
	validated, err := s.Validate(batch, gateway.GatewayUID)
	if err != nil {
		return 0, err
	}

	if s.sink != nil {
		if err := s.sink.Publish(ctx, validated); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"gateway_uid": gateway.GatewayUID,
				"batch_id":    batch.BatchID,
			}).Error("Failed to deliver batch downstream")
			return 0, NewError(ErrDatabaseConnectionFailed, "batch could not be persisted; retry the batch")
		}
	}

	if err := s.repo.RecordSync(ctx, gateway.ActivationCodeID, validated.ValidatedAt); err != nil {
		s.logger.WithError(err).Warn("Failed to record sync bookkeeping")
	}

	s.logger.WithFields(logrus.Fields{
		"gateway_uid": gateway.GatewayUID,
		"batch_id":    batch.BatchID,
		"samples":     len(batch.Samples),
	}).Debug("Batch accepted")
	return len(batch.Samples), nil
}

func (s *IngestionService) validateTimestamp(raw string, now time.Time) error {
	if raw == "" {
		return NewError(ErrTimestampInvalid, "batch timestamp is required")
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return NewErrorf(ErrTimestampInvalid, "batch timestamp %q is not RFC3339", raw)
	}
	if ts.After(now.Add(s.maxFutureSkew)) {
		return NewErrorf(ErrTimestampInvalid, "batch timestamp is too far in the future").
			WithDetail("timestamp", raw).
			WithDetail("max_future_skew", s.maxFutureSkew.String())
	}
	if ts.Before(now.Add(-s.maxSampleAge)) {
		return NewErrorf(ErrTimestampInvalid, "batch timestamp is too far in the past").
			WithDetail("timestamp", raw).
			WithDetail("max_age", s.maxSampleAge.String())
	}
	return nil
}

// validateSampleValue checks that a sample's value matches its declared data
// type. Booleans are not coerced to 0/1 here; that is presentation's job.
func validateSampleValue(sample *TagSample, index int) error {
	if sample.Value == nil {
		return NewErrorf(ErrTagValueInvalid, "sample %d has no value", index).
			WithDetail("sample_index", index).
			WithDetail("tag_id", sample.TagID)
	}

	declared := sample.DataType
	if declared == "" {
		// Undeclared type: infer from the JSON value.
		switch sample.Value.(type) {
		case float64, int, int64:
			sample.DataType = DataTypeNumeric
		case bool:
			sample.DataType = DataTypeBoolean
		case string:
			sample.DataType = DataTypeString
		default:
			return NewErrorf(ErrTagValueInvalid, "sample %d has an unsupported value type", index).
				WithDetail("sample_index", index).
				WithDetail("tag_id", sample.TagID)
		}
		return nil
	}

	ok := false
	switch declared {
	case DataTypeNumeric:
		switch sample.Value.(type) {
		case float64, int, int64:
			ok = true
		}
	case DataTypeBoolean:
		_, ok = sample.Value.(bool)
	case DataTypeString:
		_, ok = sample.Value.(string)
	default:
		return NewErrorf(ErrTagValueInvalid, "sample %d declares unknown data type %q", index, declared).
			WithDetail("sample_index", index).
			WithDetail("tag_id", sample.TagID)
	}
	if !ok {
		return NewErrorf(ErrTagValueInvalid, "sample %d value does not match declared type %s", index, declared).
			WithDetail("sample_index", index).
			WithDetail("tag_id", sample.TagID).
			WithDetail("declared_type", declared)
	}
	return nil
}
