package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var errConnRefused = errors.New("connection refused")

// fakeDB stands in for the pool behind the postgres and schema checks.
type fakeDB struct {
	down   atomic.Bool
	broken atomic.Bool
	pings  atomic.Int64
}

func (db *fakeDB) Ping(context.Context) error {
	db.pings.Add(1)
	if db.down.Load() {
		return errConnRefused
	}
	return nil
}

func (db *fakeDB) checkSchema(context.Context) error {
	if db.broken.Load() {
		return errors.New(`relation "registration_types" does not exist`)
	}
	return nil
}

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// newRegistrationHealth mirrors the checks the API server registers.
func newRegistrationHealth(db *fakeDB) *Health {
	h := New()
	h.now = func() time.Time { return t0 }
	h.Add(Check{Name: "postgres", Kind: Readiness, Func: PingCheck(db)})
	h.Add(Check{Name: "schema", Kind: Readiness, Failures: 1, Func: db.checkSchema})
	return h
}

func get(h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestReadyEndpoint(t *testing.T) {
	db := &fakeDB{}
	h := newRegistrationHealth(db)
	h.SetReady(true)
	h.RunChecks(context.Background())

	w := get(h.ReadyEndpoint, "/readyz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{
		"status": "ok",
		"accepting": true,
		"checks": {
			"postgres": {"healthy": true, "since": "2026-04-01T09:00:00Z"},
			"schema": {"healthy": true, "since": "2026-04-01T09:00:00Z"}
		}
	}`, w.Body.String())
	assert.EqualValues(t, 1, db.pings.Load())
}

func TestReadyEndpoint_NotAccepting(t *testing.T) {
	db := &fakeDB{}
	h := newRegistrationHealth(db)
	h.RunChecks(context.Background())

	// Before startup completes and again while draining.
	for _, ready := range []bool{false, true, false} {
		h.SetReady(ready)
		w := get(h.ReadyEndpoint, "/readyz")
		if ready {
			assert.Equal(t, http.StatusOK, w.Code)
			assert.True(t, h.IsReady())
			continue
		}
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), `"accepting":false`)
		assert.False(t, h.IsReady())
	}
}

func TestReadyEndpoint_PostgresDown(t *testing.T) {
	db := &fakeDB{}
	h := newRegistrationHealth(db)
	h.SetReady(true)
	db.down.Store(true)

	ctx := context.Background()
	for i := 1; i < DefaultFailures; i++ {
		h.RunChecks(ctx)
		assert.True(t, h.IsReady(), "a blip below the threshold keeps traffic flowing (run %d)", i)
	}

	h.now = func() time.Time { return t0.Add(time.Minute) }
	h.RunChecks(ctx)
	assert.False(t, h.IsReady())

	w := get(h.ReadyEndpoint, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{
		"status": "unavailable",
		"accepting": true,
		"checks": {
			"postgres": {"healthy": false, "error": "ping: connection refused", "since": "2026-04-01T09:01:00Z"},
			"schema": {"healthy": true, "since": "2026-04-01T09:00:00Z"}
		}
	}`, w.Body.String())

	// One successful ping is enough to take traffic again.
	db.down.Store(false)
	h.RunChecks(ctx)
	assert.True(t, h.IsReady())
}

func TestReadyEndpoint_SchemaMissing(t *testing.T) {
	db := &fakeDB{}
	h := newRegistrationHealth(db)
	h.SetReady(true)
	db.broken.Store(true)

	// A missing table does not heal on retry, so the schema check trips at once.
	h.RunChecks(context.Background())
	assert.False(t, h.IsReady())

	w := get(h.ReadyEndpoint, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `relation \"registration_types\" does not exist`)
}

func TestLiveEndpoint_IgnoresReadiness(t *testing.T) {
	db := &fakeDB{}
	h := newRegistrationHealth(db)
	db.down.Store(true)
	db.broken.Store(true)
	for range DefaultFailures {
		h.RunChecks(context.Background())
	}

	// A lost database must not get the process restarted.
	w := get(h.LiveEndpoint, "/livez")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestLiveEndpoint_FailingCheck(t *testing.T) {
	h := New()
	h.now = func() time.Time { return t0 }
	h.Add(Check{Name: "pool", Kind: Liveness, Failures: 1, Func: func(context.Context) error {
		return errors.New("pool closed")
	}})
	h.RunChecks(context.Background())

	w := get(h.LiveEndpoint, "/livez")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{
		"status": "unavailable",
		"checks": {"pool": {"healthy": false, "error": "pool closed", "since": "2026-04-01T09:00:00Z"}}
	}`, w.Body.String())
}

func TestCheck_Timeout(t *testing.T) {
	h := New()
	h.Add(Check{Name: "postgres", Kind: Readiness, Timeout: 10 * time.Millisecond, Failures: 1,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	h.SetReady(true)

	h.RunChecks(context.Background())
	assert.False(t, h.IsReady())
	assert.Contains(t, get(h.ReadyEndpoint, "/readyz").Body.String(), "deadline exceeded")
}

func TestRunChecks_LogsTransitions(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := zctx.Base(context.Background(), zap.New(core))

	db := &fakeDB{}
	h := newRegistrationHealth(db)
	db.down.Store(true)
	for range DefaultFailures + 2 {
		h.RunChecks(ctx)
	}
	db.down.Store(false)
	h.RunChecks(ctx)
	h.RunChecks(ctx)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2, "only health changes are logged")

	failing := entries[0]
	assert.Equal(t, "Health check failing", failing.Message)
	assert.Equal(t, zap.WarnLevel, failing.Level)
	fields := failing.ContextMap()
	assert.Equal(t, "postgres", fields["check"])
	assert.Equal(t, "readiness", fields["kind"])
	assert.EqualValues(t, DefaultFailures, fields["failures"])

	assert.Equal(t, "Health check recovered", entries[1].Message)
}

func TestStartStop(t *testing.T) {
	db := &fakeDB{}
	h := newRegistrationHealth(db)
	h.SetReady(true)

	h.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return db.pings.Load() >= 3 }, time.Second, time.Millisecond)

	db.down.Store(true)
	require.Eventually(t, func() bool { return !h.IsReady() }, time.Second, time.Millisecond)

	h.Stop()
	h.Stop()
	stopped := db.pings.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, db.pings.Load(), stopped+1, "at most one in-flight run after Stop")
}

func TestEndpoints_Concurrent(t *testing.T) {
	db := &fakeDB{}
	h := newRegistrationHealth(db)
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				if i == 0 {
					db.down.Store(j%2 == 0)
				}
				h.IsReady()
				get(h.LiveEndpoint, "/livez")
				get(h.ReadyEndpoint, "/readyz")
			}
		}()
	}
	wg.Wait()
}

func TestPingCheck(t *testing.T) {
	db := &fakeDB{}
	check := PingCheck(db)
	assert.NoError(t, check(context.Background()))

	db.down.Store(true)
	err := check(context.Background())
	require.ErrorIs(t, err, errConnRefused)
	assert.EqualError(t, err, "ping: connection refused")
}
