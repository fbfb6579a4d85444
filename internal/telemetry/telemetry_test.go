package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetup_MetricsExposition(t *testing.T) {
	ctx := context.Background()

	tel, err := Setup(ctx, Options{ServiceName: "piper-tts", Version: "test", Metrics: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	require.NotNil(t, tel.MetricsHandler())

	counter, err := otel.Meter("telemetry-test").Int64Counter("test.requests")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "test_requests_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSetup_MetricsDisabled(t *testing.T) {
	tel, err := Setup(context.Background(), Options{ServiceName: "piper-tts"})
	require.NoError(t, err)

	assert.Nil(t, tel.MetricsHandler())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestSetup_TracerInstalled(t *testing.T) {
	tel, err := Setup(context.Background(), Options{ServiceName: "piper-tts"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "probe")
	defer span.End()

	assert.True(t, span.SpanContext().IsValid(), "global tracer provider should record spans")
}
