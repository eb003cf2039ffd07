package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nholik/skyward/internal/certs"
	"github.com/nholik/skyward/internal/healthcheck"
	"github.com/nholik/skyward/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(h http.Handler, path string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestEngines_SharedPortMergesSurfaces(t *testing.T) {
	tracker := healthcheck.NewTracker()
	tracker.RecordCycle("gen-1", time.Millisecond, 1, 0)

	engines := Engines(zerolog.Nop(), Config{HealthPort: 8080, MetricsPort: 8080, APIPort: 8081, ProbeInterval: time.Minute}, Deps{
		Tracker: tracker,
		Metrics: metrics.New(),
		API:     NewHandlers(newBackend(t), zerolog.Nop()),
	})
	require.Len(t, engines, 2)

	assert.Equal(t, 8080, engines[0].Port)
	assert.Equal(t, "health/metrics", engines[0].Label)
	assert.Equal(t, http.StatusOK, get(engines[0].Handler, "/healthz"))
	assert.Equal(t, http.StatusOK, get(engines[0].Handler, "/metrics"))
	assert.Equal(t, http.StatusNotFound, get(engines[0].Handler, "/v1/services"))

	assert.Equal(t, 8081, engines[1].Port)
	assert.Equal(t, "api", engines[1].Label)
	assert.Equal(t, http.StatusOK, get(engines[1].Handler, "/v1/services"))
}

func TestEngines_DisabledPorts(t *testing.T) {
	engines := Engines(zerolog.Nop(), Config{}, Deps{Metrics: metrics.New()})
	assert.Empty(t, engines)

	engines = Engines(zerolog.Nop(), Config{HealthPort: 8080, MetricsPort: 9090}, Deps{})
	require.Len(t, engines, 1, "metrics surface needs a collector")
	assert.Equal(t, "health", engines[0].Label)
}

func TestEngines_ServesACMEChallenge(t *testing.T) {
	challenge := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != certs.ChallengePathPrefix+"tok-1" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("tok-1.key"))
	})
	engines := Engines(zerolog.Nop(), Config{APIPort: 8081}, Deps{
		API:       NewHandlers(newBackend(t), zerolog.Nop()),
		Challenge: challenge,
	})
	require.Len(t, engines, 1)
	assert.Equal(t, http.StatusOK, get(engines[0].Handler, certs.ChallengePathPrefix+"tok-1"))
	assert.Equal(t, http.StatusNotFound, get(engines[0].Handler, certs.ChallengePathPrefix+"other"))
}

func TestRun_NoSurfacesWaitsForCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, Run(ctx, zerolog.Nop(), Config{}, Deps{}))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestEngines_ChallengeOnOwnPort(t *testing.T) {
	engines := Engines(zerolog.Nop(), Config{APIPort: 8081, ChallengePort: 80}, Deps{
		API:       NewHandlers(newBackend(t), zerolog.Nop()),
		Challenge: http.NotFoundHandler(),
	})
	require.Len(t, engines, 2)
	assert.Equal(t, 80, engines[0].Port)
	assert.Equal(t, "acme", engines[0].Label)
	assert.Equal(t, http.StatusNotFound, get(engines[0].Handler, "/v1/services"))

	engines = Engines(zerolog.Nop(), Config{ChallengePort: 80}, Deps{Challenge: http.NotFoundHandler()})
	require.Len(t, engines, 1, "challenge surface works without the api")
}

func TestListen_AnswersChallengeOnceServing(t *testing.T) {
	port := freePort(t)
	challenge := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tok-1.key"))
	})
	l, err := Listen(zerolog.Nop(), Config{ChallengePort: port}, Deps{Challenge: challenge})
	require.NoError(t, err)
	require.Len(t, l.Addrs(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%stok-1", port, certs.ChallengePathPrefix))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tok-1.key", string(body))

	cancel()
	assert.NoError(t, <-done)
}

func TestListen_PortInUse(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()

	_, err = Listen(zerolog.Nop(), Config{HealthPort: busy.Addr().(*net.TCPAddr).Port}, Deps{Tracker: healthcheck.NewTracker()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health server on port")
}
