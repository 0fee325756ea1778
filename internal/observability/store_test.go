package observability

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/KrishnaShettyDev/cortex/internal/registry/store"
)

type recordingStore struct {
	store.MemoryStore
	gets int
}

func (s *recordingStore) GetMemory(_ context.Context, id uuid.UUID) (*model.Memory, error) {
	s.gets++
	return &model.Memory{ID: id}, nil
}

func TestInstrumentStoreObservesLatency(t *testing.T) {
	prev := StoreLatency
	StoreLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "test_store_latency_seconds"},
		[]string{"operation"},
	)
	defer func() { StoreLatency = prev }()

	inner := &recordingStore{}
	wrapped := InstrumentStore(inner)

	id := uuid.New()
	mem, err := wrapped.GetMemory(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, mem.ID)
	require.Equal(t, 1, inner.gets)
	require.Equal(t, 1, testutil.CollectAndCount(StoreLatency))
}

func TestInstrumentStoreDelegatesWithoutMetrics(t *testing.T) {
	prev := StoreLatency
	StoreLatency = nil
	defer func() { StoreLatency = prev }()

	inner := &recordingStore{}
	_, err := InstrumentStore(inner).GetMemory(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Equal(t, 1, inner.gets)
}
