package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "sekimon", "test", true)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	// Instruments from the no-op providers are usable.
	counter, err := Meter("sekimon/test").Int64Counter("test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := Tracer("sekimon/test").Start(context.Background(), "op")
	span.End()
}

func TestShutdownFlushesToCollector(t *testing.T) {
	var (
		mu    sync.Mutex
		paths = map[string]int{}
	)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path]++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	ctx := context.Background()
	shutdown, err := Init(ctx, strings.TrimPrefix(collector.URL, "http://"), "sekimon", "test", true)
	require.NoError(t, err)

	counter, err := Meter("sekimon/test").Int64Counter("sekimon.test.total")
	require.NoError(t, err)
	counter.Add(ctx, 3)
	_, span := Tracer("sekimon/test").Start(ctx, "approve")
	span.End()

	require.NoError(t, shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, paths["/v1/traces"])
	assert.Positive(t, paths["/v1/metrics"])
}
