package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

type captureSink struct {
	batches []*ValidatedBatch
	err     error
}

func (s *captureSink) Publish(ctx context.Context, batch *ValidatedBatch) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func newTestIngestion(store Repository, sink BatchSink) *IngestionService {
	return NewIngestionService(store, sink, testLogger(), 500, 5*time.Minute, 720*time.Hour)
}

func validBatch() *DataBatch {
	return &DataBatch{
		BatchID:   "batch-001",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Samples: []TagSample{
			{TagID: "press-01.temperature", Value: 21.5, DataType: DataTypeNumeric, Unit: "C"},
			{TagID: "press-01.running", Value: true, DataType: DataTypeBoolean},
			{TagID: "press-01.mode", Value: "auto", DataType: DataTypeString, Quality: QualityUncertain},
		},
	}
}

func seedGateway(t *testing.T, store *MemStore) *Gateway {
	t.Helper()
	ctx := context.Background()
	code := &ActivationCode{Code: "HERC-A2B3-C4D5-E6F7-G8H9", TenantID: 1, Status: CodeStatusPending, ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.CreateActivationCode(ctx, code); err != nil {
		t.Fatal(err)
	}
	gw := &Gateway{GatewayUID: "gw-test", TenantID: 1, ActivationCodeID: code.ID, MachineID: testMachineID}
	if err := store.CreateGateway(ctx, gw); err != nil {
		t.Fatal(err)
	}
	won, err := store.ActivateCode(ctx, code.ID, testMachineID, gw.ID, time.Now())
	if err != nil || !won {
		t.Fatalf("seed activation failed: won=%v err=%v", won, err)
	}
	return gw
}

func TestIngestHappyPath(t *testing.T) {
	store := NewMemStore()
	gw := seedGateway(t, store)
	sink := &captureSink{}
	svc := newTestIngestion(store, sink)

	accepted, err := svc.Ingest(context.Background(), gw, validBatch())
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if accepted != 3 {
		t.Errorf("expected 3 accepted samples, got %d", accepted)
	}
	if len(sink.batches) != 1 {
		t.Fatalf("expected 1 published batch, got %d", len(sink.batches))
	}

	published := sink.batches[0]
	if published.GatewayUID != "gw-test" {
		t.Errorf("batch should be stamped with the gateway uid, got %s", published.GatewayUID)
	}
	// Quality flags pass through unchanged; omitted quality defaults to good.
	if published.Samples[0].Quality != QualityGood {
		t.Errorf("omitted quality should default to good, got %s", published.Samples[0].Quality)
	}
	if published.Samples[2].Quality != QualityUncertain {
		t.Errorf("declared quality must not be altered, got %s", published.Samples[2].Quality)
	}

	// Sync bookkeeping recorded on the backing code.
	code, err := store.GetActivationCodeByCode(context.Background(), "HERC-A2B3-C4D5-E6F7-G8H9")
	if err != nil {
		t.Fatal(err)
	}
	if code.SyncCount != 1 || code.LastSyncAt == nil {
		t.Errorf("expected sync recorded, got count=%d last=%v", code.SyncCount, code.LastSyncAt)
	}
}

func TestIngestWholeBatchRejection(t *testing.T) {
	store := NewMemStore()
	gw := seedGateway(t, store)
	sink := &captureSink{}
	svc := newTestIngestion(store, sink)

	batch := validBatch()
	// Sample 1 declares numeric but carries a string: the entire batch must
	// be rejected, including the valid samples around it.
	batch.Samples[1] = TagSample{TagID: "press-01.speed", Value: "notanumber", DataType: DataTypeNumeric}

	accepted, err := svc.Ingest(context.Background(), gw, batch)
	if !IsCode(err, ErrTagValueInvalid) {
		t.Fatalf("expected TAG_VALUE_INVALID, got %v", err)
	}
	if accepted != 0 {
		t.Errorf("no samples may be accepted from a rejected batch, got %d", accepted)
	}
	if len(sink.batches) != 0 {
		t.Error("rejected batch must not reach the sink")
	}
	details := AsAPIError(err).Details
	if details["sample_index"] != 1 {
		t.Errorf("expected sample_index 1, got %v", details["sample_index"])
	}
	if details["tag_id"] != "press-01.speed" {
		t.Errorf("expected offending tag_id, got %v", details["tag_id"])
	}
}

func TestValidateFieldErrors(t *testing.T) {
	svc := newTestIngestion(NewMemStore(), nil)

	b := validBatch()
	b.BatchID = ""
	if _, err := svc.Validate(b, "gw"); !IsCode(err, ErrBatchIDMissing) {
		t.Errorf("expected BATCH_ID_MISSING, got %v", err)
	}

	b = validBatch()
	b.Samples[2].TagID = ""
	if _, err := svc.Validate(b, "gw"); !IsCode(err, ErrTagIDMissing) {
		t.Errorf("expected TAG_ID_MISSING, got %v", err)
	}

	b = validBatch()
	b.Samples[0].Value = nil
	if _, err := svc.Validate(b, "gw"); !IsCode(err, ErrTagValueInvalid) {
		t.Errorf("expected TAG_VALUE_INVALID for nil value, got %v", err)
	}

	b = validBatch()
	b.Samples[0].Quality = "excellent"
	if _, err := svc.Validate(b, "gw"); !IsCode(err, ErrTagValueInvalid) {
		t.Errorf("expected TAG_VALUE_INVALID for unknown quality, got %v", err)
	}
}

func TestValidateSampleErrorsBeforeTimestamp(t *testing.T) {
	svc := newTestIngestion(NewMemStore(), nil)

	// A batch with both a malformed sample and a bad timestamp reports the
	// sample defect.
	b := validBatch()
	b.Timestamp = "not-a-timestamp"
	b.Samples[1].TagID = ""
	if _, err := svc.Validate(b, "gw"); !IsCode(err, ErrTagIDMissing) {
		t.Errorf("expected TAG_ID_MISSING to win over the timestamp, got %v", err)
	}

	b = validBatch()
	b.Timestamp = "not-a-timestamp"
	b.Samples[0].Value = nil
	if _, err := svc.Validate(b, "gw"); !IsCode(err, ErrTagValueInvalid) {
		t.Errorf("expected TAG_VALUE_INVALID to win over the timestamp, got %v", err)
	}
}

func TestValidateTimestamp(t *testing.T) {
	svc := newTestIngestion(NewMemStore(), nil)

	b := validBatch()
	b.Timestamp = ""
	if _, err := svc.Validate(b, "gw"); !IsCode(err, ErrTimestampInvalid) {
		t.Errorf("expected TIMESTAMP_INVALID for empty, got %v", err)
	}

	b = validBatch()
	b.Timestamp = "2026/01/01 10:00"
	if _, err := svc.Validate(b, "gw"); !IsCode(err, ErrTimestampInvalid) {
		t.Errorf("expected TIMESTAMP_INVALID for non-RFC3339, got %v", err)
	}

	b = validBatch()
	b.Timestamp = time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	if _, err := svc.Validate(b, "gw"); !IsCode(err, ErrTimestampInvalid) {
		t.Errorf("expected TIMESTAMP_INVALID for future timestamp, got %v", err)
	}

	b = validBatch()
	b.Timestamp = time.Now().Add(-40 * 24 * time.Hour).UTC().Format(time.RFC3339)
	if _, err := svc.Validate(b, "gw"); !IsCode(err, ErrTimestampInvalid) {
		t.Errorf("expected TIMESTAMP_INVALID for ancient timestamp, got %v", err)
	}

	// Slight clock skew inside the allowance is fine.
	b = validBatch()
	b.Timestamp = time.Now().Add(2 * time.Minute).UTC().Format(time.RFC3339)
	if _, err := svc.Validate(b, "gw"); err != nil {
		t.Errorf("skew within allowance rejected: %v", err)
	}
}

func TestValidateBatchSize(t *testing.T) {
	svc := NewIngestionService(NewMemStore(), nil, testLogger(), 2, 5*time.Minute, 720*time.Hour)

	b := validBatch() // 3 samples, limit 2
	_, err := svc.Validate(b, "gw")
	if !IsCode(err, ErrBatchSizeExceeded) {
		t.Fatalf("expected BATCH_SIZE_EXCEEDED, got %v", err)
	}
	details := AsAPIError(err).Details
	if details["limit"] != 2 || details["actual"] != 3 {
		t.Errorf("expected limit/actual details, got %v", details)
	}
}

func TestValidateInferredTypes(t *testing.T) {
	svc := newTestIngestion(NewMemStore(), nil)

	b := &DataBatch{
		BatchID:   "batch-002",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Samples: []TagSample{
			{TagID: "t.num", Value: 3.14},
			{TagID: "t.bool", Value: false},
			{TagID: "t.str", Value: "ok"},
		},
	}
	validated, err := svc.Validate(b, "gw")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{DataTypeNumeric, DataTypeBoolean, DataTypeString}
	for i, sample := range validated.Samples {
		if sample.DataType != want[i] {
			t.Errorf("sample %d: expected inferred type %s, got %s", i, want[i], sample.DataType)
		}
	}

	// Booleans are not coerced into numerics.
	b = validBatch()
	b.Samples[0] = TagSample{TagID: "t.x", Value: true, DataType: DataTypeNumeric}
	if _, err := svc.Validate(b, "gw"); !IsCode(err, ErrTagValueInvalid) {
		t.Errorf("expected TAG_VALUE_INVALID for bool-as-numeric, got %v", err)
	}
}

func TestValidateIdempotentResend(t *testing.T) {
	svc := newTestIngestion(NewMemStore(), nil)

	b := validBatch()
	first, err := svc.Validate(b, "gw")
	if err != nil {
		t.Fatal(err)
	}
	// The same batch re-validates identically on retry.
	second, err := svc.Validate(b, "gw")
	if err != nil {
		t.Fatalf("re-validation of the same batch failed: %v", err)
	}
	if len(first.Samples) != len(second.Samples) {
		t.Error("re-validation changed the batch")
	}
}

func TestIngestSinkFailure(t *testing.T) {
	store := NewMemStore()
	gw := seedGateway(t, store)
	sink := &captureSink{err: errors.New("bus unreachable")}
	svc := newTestIngestion(store, sink)

	accepted, err := svc.Ingest(context.Background(), gw, validBatch())
	if !IsCode(err, ErrDatabaseConnectionFailed) {
		t.Fatalf("expected DATABASE_CONNECTION_FAILED, got %v", err)
	}
	if accepted != 0 {
		t.Errorf("failed ingest must not report accepted samples, got %d", accepted)
	}

	// No sync is recorded for a batch that was not persisted.
	code, _ := store.GetActivationCodeByCode(context.Background(), "HERC-A2B3-C4D5-E6F7-G8H9")
	if code.SyncCount != 0 {
		t.Errorf("sync must not be recorded on failure, got %d", code.SyncCount)
	}
}
