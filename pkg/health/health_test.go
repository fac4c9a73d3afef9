package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passingCheck() CheckFunc {
	return func(_ context.Context) error { return nil }
}

func failingCheck(msg string) CheckFunc {
	return func(_ context.Context) error { return errors.New(msg) }
}

type statusBody struct {
	Status string
	Checks map[string]string
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) statusBody {
	t.Helper()
	var body statusBody
	err := jx.DecodeBytes(w.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			s, err := d.Str()
			body.Status = s
			return err
		case "checks":
			body.Checks = map[string]string{}
			return d.Obj(func(d *jx.Decoder, key string) error {
				s, err := d.Str()
				body.Checks[key] = s
				return err
			})
		default:
			return d.Skip()
		}
	})
	require.NoError(t, err)
	return body
}

func serve(h http.HandlerFunc) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/", nil))
	return w
}

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		check    CheckFunc
		runs     int
		wantCode int
	}{
		{name: "passing", check: passingCheck(), runs: 3, wantCode: http.StatusOK},
		{name: "below threshold", check: failingCheck("temporary"), runs: 2, wantCode: http.StatusOK},
		{name: "failing", check: failingCheck("connection refused"), runs: 3, wantCode: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			h.AddLivenessCheck("db", time.Second, tt.check)
			for range tt.runs {
				h.liveness[0].run(context.Background())
			}

			w := serve(h.LiveEndpoint)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			body := decodeBody(t, w)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, "ok", body.Status)
				return
			}
			assert.Equal(t, "unhealthy", body.Status)
			assert.Equal(t, "connection refused", body.Checks["db"])
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())
	h.AddReadinessCheck("feed", time.Second, failingCheck("no snapshot received yet"), WithThresholds(1, 1))

	w := serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decodeBody(t, w).Checks, "_readiness")

	h.SetReady(true)
	assert.Equal(t, http.StatusOK, serve(h.ReadyEndpoint).Code)
	assert.True(t, h.IsReady())

	h.readiness[1].run(context.Background())
	w = serve(h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "no snapshot received yet", body.Checks["feed"])
	assert.NotContains(t, body.Checks, "postgres")
	assert.False(t, h.IsReady())

	h.SetReady(false)
	assert.Contains(t, decodeBody(t, serve(h.ReadyEndpoint)).Checks, "_readiness")
}

func TestCheckRecovery(t *testing.T) {
	failing := true
	h := New()
	h.AddLivenessCheck("flaky", time.Second, func(_ context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	}, WithThresholds(2, 2))
	c := h.liveness[0]
	ctx := context.Background()

	assert.Nil(t, c.err())
	c.run(ctx)
	c.run(ctx)
	assert.False(t, c.healthy.Load())
	assert.EqualError(t, c.err(), "down")

	failing = false
	c.run(ctx)
	assert.False(t, c.healthy.Load(), "needs two passes")
	c.run(ctx)
	assert.True(t, c.healthy.Load())
}

func TestStartStop(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, failingCheck("err"))
	h.AddReadinessCheck("postgres", time.Second, passingCheck())
	h.SetReady(true)

	h.Start(context.Background(), 10*time.Millisecond)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				serve(h.LiveEndpoint)
				serve(h.ReadyEndpoint)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return serve(h.LiveEndpoint).Code == http.StatusServiceUnavailable
	}, time.Second, 10*time.Millisecond)

	h.Stop()
	h.Stop()
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))

	err := GoroutineCountCheck(0)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestStalenessCheck(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name    string
		last    time.Time
		maxAge  time.Duration
		wantErr string
	}{
		{name: "never", maxAge: time.Minute, wantErr: "no snapshot received yet"},
		{name: "fresh", last: now.Add(-30 * time.Second), maxAge: time.Minute},
		{name: "stale", last: now.Add(-2 * time.Minute), maxAge: time.Minute, wantErr: "exceeds 1m0s"},
		{name: "no age limit", last: now.Add(-24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := StalenessCheck(func() time.Time { return tt.last }, tt.maxAge, clock)(context.Background())
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPingAndAliveChecks(t *testing.T) {
	ctx := context.Background()
	down := errors.New("down")

	require.NoError(t, PingCheck(pinger{})(ctx))
	require.ErrorIs(t, PingCheck(pinger{err: down})(ctx), down)

	require.NoError(t, AliveCheck("rabbitmq", func() bool { return true })(ctx))
	require.EqualError(t, AliveCheck("rabbitmq", func() bool { return false })(ctx), "rabbitmq is not connected")
}
