package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMigration(t *testing.T) {
	before := testutil.ToFloat64(MigrationsTotal.WithLabelValues("succeeded"))
	RecordMigration("succeeded", 20*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(MigrationsTotal.WithLabelValues("succeeded")))
}

func TestRecordProbeFailure(t *testing.T) {
	before := testutil.ToFloat64(ProbeFailures.WithLabelValues("node"))
	RecordProbeFailure("node")
	RecordProbeFailure("node")
	assert.Equal(t, before+2, testutil.ToFloat64(ProbeFailures.WithLabelValues("node")))
}

func TestSetNodeHealth(t *testing.T) {
	SetNodeHealth("10.0.0.1:8888", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(NodeHealthy.WithLabelValues("10.0.0.1:8888")))
	SetNodeHealth("10.0.0.1:8888", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(NodeHealthy.WithLabelValues("10.0.0.1:8888")))
}

func TestHandler(t *testing.T) {
	SlotMapVersion.Set(7)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "slotctl_slot_map_version 7")
}
