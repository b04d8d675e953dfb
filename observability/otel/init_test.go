package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken, =skip,tenant=loyalty")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "loyalty"}, headers)
}

func TestFromEnvDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := FromEnv("issuerd", "dev")
	require.False(t, cfg.Traces)
	require.False(t, cfg.Metrics)
	require.True(t, cfg.Insecure)
}

func TestFromEnvEnabled(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-team=loyalty")
	cfg := FromEnv("issuerd", "prod")
	require.True(t, cfg.Traces)
	require.True(t, cfg.Metrics)
	require.False(t, cfg.Insecure)
	require.Equal(t, "loyalty", cfg.Headers["x-team"])
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithoutExportersSucceeds(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "issuerd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
