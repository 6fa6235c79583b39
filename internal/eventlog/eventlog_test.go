package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/ctxutil"
	"github.com/ashita-ai/sekimon/internal/integrity"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage"
	"github.com/ashita-ai/sekimon/internal/storage/memstore"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))

// flakyStore fails the first n appends with err, or a connection reset
// when err is nil.
type flakyStore struct {
	*memstore.Store
	failures atomic.Int32
	calls    atomic.Int32
	err      error
}

func (s *flakyStore) AppendEvent(ctx context.Context, e model.SecurityEvent) (model.SecurityEvent, error) {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		if s.err != nil {
			return model.SecurityEvent{}, s.err
		}
		return model.SecurityEvent{}, errors.New("connection reset")
	}
	return s.Store.AppendEvent(ctx, e)
}

func TestRecordStampsAndHashes(t *testing.T) {
	log := New(memstore.New(), testLogger)
	taskID := uuid.New()

	ctx := ctxutil.WithRequestMeta(context.Background(), ctxutil.RequestMeta{
		RequestID: "req-1", IPAddress: "203.0.113.9", UserAgent: "sekimonctl/1.0",
	})
	e, err := log.Record(ctx, Input{
		EventType:   model.EventTaskCreated,
		Severity:    model.SeverityInfo,
		Description: "task created",
		TaskID:      &taskID,
		ActorID:     "alice",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, int64(1), e.Seq)
	assert.Equal(t, "203.0.113.9", e.IPAddress)
	assert.Equal(t, "sekimonctl/1.0", e.UserAgent)
	assert.Equal(t, "req-1", e.Details["request_id"])
	assert.True(t, integrity.VerifyEventHash(e))
}

func TestRecordRejectsInvalid(t *testing.T) {
	log := New(memstore.New(), testLogger)
	ctx := context.Background()

	_, err := log.Record(ctx, Input{EventType: "bogus", Severity: model.SeverityInfo, Description: "x"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = log.Record(ctx, Input{EventType: model.EventTaskCreated, Severity: "loud", Description: "x"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = log.Record(ctx, Input{EventType: model.EventTaskCreated, Severity: model.SeverityInfo})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestRecordRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{Store: memstore.New()}
	store.failures.Store(2)
	log := New(store, testLogger)

	_, err := log.Record(context.Background(), Input{
		EventType: model.EventTaskApproved, Severity: model.SeverityInfo, Description: "approved",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestRecordGivesUpAfterRetries(t *testing.T) {
	store := &flakyStore{Store: memstore.New()}
	store.failures.Store(10)
	log := New(store, testLogger)

	var observed atomic.Int32
	log.Subscribe(ObserverFunc(func(model.SecurityEvent) { observed.Add(1) }))

	_, err := log.Record(context.Background(), Input{
		EventType: model.EventTaskApproved, Severity: model.SeverityInfo, Description: "approved",
	})
	require.Error(t, err)
	assert.Equal(t, int32(writeAttempts), store.calls.Load())
	assert.Zero(t, observed.Load(), "observers only see stored events")
}

func TestRecordLeavesDeadlocksToStore(t *testing.T) {
	store := &flakyStore{
		Store: memstore.New(),
		err:   fmt.Errorf("storage: append security event: %w", &pgconn.PgError{Code: "40P01"}),
	}
	store.failures.Store(10)
	log := New(store, testLogger)

	_, err := log.Record(context.Background(), Input{
		EventType: model.EventTaskApproved, Severity: model.SeverityInfo, Description: "approved",
	})
	require.Error(t, err)
	assert.True(t, storage.IsRetriable(err))
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestRecordSurvivesCanceledCaller(t *testing.T) {
	log := New(memstore.New(), testLogger)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := log.Record(ctx, Input{
		EventType: model.EventTaskExecuted, Severity: model.SeverityInfo, Description: "done",
	})
	assert.NoError(t, err)
}

func TestObserversNotified(t *testing.T) {
	log := New(memstore.New(), testLogger)
	var got []model.EventType
	log.Subscribe(ObserverFunc(func(model.SecurityEvent) { panic("boom") }))
	log.Subscribe(ObserverFunc(func(e model.SecurityEvent) { got = append(got, e.EventType) }))

	_, err := log.Record(context.Background(), Input{
		EventType: model.EventUnknownAction, Severity: model.SeverityCritical, Description: "no executor",
	})
	require.NoError(t, err)
	assert.Equal(t, []model.EventType{model.EventUnknownAction}, got)
}

func TestListAndExportOrdering(t *testing.T) {
	log := New(memstore.New(), testLogger)
	ctx := context.Background()

	// Same clock reading for all three: order must come from insertion.
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return fixed }

	var ids []uuid.UUID
	for _, typ := range []model.EventType{model.EventTaskCreated, model.EventTaskApproved, model.EventTaskExecuted} {
		e, err := log.Record(ctx, Input{EventType: typ, Severity: model.SeverityInfo, Description: string(typ)})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	newest, err := log.List(ctx, model.EventFilter{Ascending: true})
	require.NoError(t, err)
	require.Len(t, newest, 3)
	assert.Equal(t, ids[2], newest[0].ID, "List is always newest first")
	assert.Equal(t, ids[0], newest[2].ID)

	export, err := log.Export(ctx, model.EventFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, export.Count)
	assert.False(t, export.HasMore)
	assert.Equal(t, ids[0], export.Events[0].ID)
	assert.Equal(t, ids[2], export.Events[2].ID)
	assert.Equal(t, integrity.BuildMerkleRoot([]string{
		export.Events[0].ContentHash, export.Events[1].ContentHash, export.Events[2].ContentHash,
	}), export.MerkleRoot)
}

func TestExportPagesPastMaximum(t *testing.T) {
	log := New(memstore.New(), testLogger)
	ctx := context.Background()

	total := maxExport + 5
	for i := range total {
		_, err := log.Record(ctx, Input{
			EventType: model.EventTaskCreated, Severity: model.SeverityInfo, Description: fmt.Sprintf("event %d", i),
		})
		require.NoError(t, err)
	}

	first, err := log.Export(ctx, model.EventFilter{Limit: total})
	require.NoError(t, err)
	assert.Equal(t, maxExport, first.Count)
	assert.Len(t, first.Events, maxExport)
	assert.True(t, first.HasMore)
	assert.Equal(t, 0, first.Offset)
	assert.Equal(t, "event 0", first.Events[0].Description)

	second, err := log.Export(ctx, model.EventFilter{Offset: first.NextOffset()})
	require.NoError(t, err)
	assert.Equal(t, 5, second.Count)
	assert.False(t, second.HasMore)
	assert.Equal(t, maxExport, second.Offset)
	assert.Equal(t, fmt.Sprintf("event %d", maxExport), second.Events[0].Description)

	// A page that ends exactly at the last event has nothing more.
	exact, err := log.Export(ctx, model.EventFilter{Limit: 5, Offset: maxExport})
	require.NoError(t, err)
	assert.Equal(t, 5, exact.Count)
	assert.False(t, exact.HasMore)
}

func TestVerify(t *testing.T) {
	log := New(memstore.New(), testLogger)
	ctx := context.Background()
	e, err := log.Record(ctx, Input{
		EventType: model.EventAnomalyDetected, Severity: model.SeverityCritical, Description: "burst",
		Details: map[string]any{"rule": "high_risk_burst", "count": 5},
	})
	require.NoError(t, err)

	v, err := log.Verify(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, e.ContentHash, v.StoredHash)

	_, err = log.Verify(ctx, uuid.New())
	assert.Error(t, err)
}
