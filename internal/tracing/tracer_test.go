package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracerProviderDisabled(t *testing.T) {
	shutdown, err := InitTracerProvider(context.Background(), "  ", "billing-bridge", "dev")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestExporterOptions(t *testing.T) {
	tests := map[string]struct {
		endpoint string
		count    int
		wantErr  bool
	}{
		"host and port":  {endpoint: "collector:4318", count: 1},
		"plain http":     {endpoint: "http://collector:4318", count: 2},
		"https":          {endpoint: "https://collector", count: 1},
		"custom path":    {endpoint: "http://collector:4318/otlp/v1/traces", count: 3},
		"missing host":   {endpoint: "http://", wantErr: true},
		"unknown scheme": {endpoint: "grpc://collector:4317", wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			opts, err := exporterOptions(tc.endpoint)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, opts, tc.count)
		})
	}
}
