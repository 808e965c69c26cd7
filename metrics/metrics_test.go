package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/charge-engine/charge"
	"github.com/warp/charge-engine/metrics"
	"github.com/warp/charge-engine/store/sqlite"
)

func TestRecorder_Exposed(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics.Init(store.DB(), zap.NewNop())

	var rec charge.Recorder = metrics.Recorder{}
	rec.Mutation(charge.AuditCreated, charge.OutcomeOK)
	rec.ValidationFailure(charge.KindRequired)
	rec.UsageConflict("error.msg.charge.cannot.be.deactivated")
	rec.Resolution(charge.SourceOverride)
	metrics.ObserveHTTP(http.MethodGet, "/api/charges", http.StatusOK, 5*time.Millisecond)

	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `charge_engine_mutations_total{action="created",outcome="ok"}`)
	assert.Contains(t, text, `charge_engine_validation_errors_total{code="Required"}`)
	assert.Contains(t, text, `charge_engine_resolutions_total{source="override"}`)
	assert.Contains(t, text, `charge_engine_http_requests_total{method="GET",route="/api/charges",status="200"}`)
	assert.Contains(t, text, "charge_engine_active_charges 0")
}

func TestInit_Idempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.Init(nil, nil)
		metrics.Init(nil, nil)
	})
}
