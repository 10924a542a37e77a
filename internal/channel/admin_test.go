package channel

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyguardio/keyguardd/internal/hal"
	"github.com/keyguardio/keyguardd/internal/health"
)

func TestHandleHealthz_ReportsOKWhenChecksPass(t *testing.T) {
	checker := health.NewHealthChecker()
	checker.RegisterCheck("always-ok", func(context.Context) (health.Status, string) {
		return health.StatusHealthy, "fine"
	}, time.Minute)

	monitor := hal.NewGPIOMonitor(1000)
	admin := NewAdminServer(checker, monitor)

	req := httptest.NewRequest("GET", "/healthz", nil)
	resp, err := admin.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "always-ok")
}

func TestHandleHealthz_ReportsUnavailableWhenACheckFails(t *testing.T) {
	checker := health.NewHealthChecker()
	checker.RegisterCheck("broken", func(context.Context) (health.Status, string) {
		return health.StatusUnhealthy, "solenoid fault"
	}, time.Minute)

	monitor := hal.NewGPIOMonitor(1000)
	admin := NewAdminServer(checker, monitor)

	req := httptest.NewRequest("GET", "/healthz", nil)
	resp, err := admin.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 503, resp.StatusCode)
}

func TestHandleStatus_ReturnsMonitorSnapshot(t *testing.T) {
	h := hal.NewMockHAL()
	hal.SetGlobalHAL(h)
	t.Cleanup(func() { hal.SetGlobalHAL(nil) })
	require.NoError(t, h.GPIO().SetMode(3, hal.Output))

	checker := health.NewHealthChecker()
	monitor := hal.NewGPIOMonitor(1000)
	admin := NewAdminServer(checker, monitor)

	req := httptest.NewRequest("GET", "/status", nil)
	resp, err := admin.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "board_name")
}
