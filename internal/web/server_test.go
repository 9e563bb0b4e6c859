package web

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_NewServer(t *testing.T) {
	rig := newTestRig(t)
	assert.Equal(t, "web-server", rig.server.Name())
}

func TestServer_StartStop(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.server.Start(ctx))
	assert.Error(t, rig.server.Start(ctx), "second start should fail")

	resp, err := http.Get("http://" + rig.server.Addr() + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, rig.server.Stop(stopCtx))
	require.NoError(t, rig.server.Stop(stopCtx))
}

func TestServer_CORSPreflight(t *testing.T) {
	rig := newTestRig(t)
	req, err := http.NewRequest(http.MethodOptions, "/api/videos", nil)
	require.NoError(t, err)

	w := rig.do(req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
