package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clientforge/forged/internal/config"
	"github.com/clientforge/forged/internal/eventbus"
	"github.com/clientforge/forged/internal/jobs"
	"github.com/clientforge/forged/internal/kernel"
	"github.com/clientforge/forged/internal/module"
	"github.com/clientforge/forged/internal/store"
)

type fixture struct {
	mod *Module
	bus *eventbus.Bus
	ctx *module.Context

	echo *echo.Echo
}

// setup initializes the audit module against a real store, bus and echo
// surface, mirroring the handles cmd/forged wires.
func setup(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "forged.db"),
		BusyTimeout: config.Duration(5 * time.Second),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New(zap.NewNop())

	e := echo.New()
	surface := e.Group("/api/v1").Group("/audit")

	mod := New()
	mc := module.NewContext(module.ContextOptions{
		Store:   st,
		Bus:     bus,
		Log:     zap.NewNop(),
		Surface: surface,
	})
	require.NoError(t, mod.Init(context.Background(), mc))

	return &fixture{mod: mod, bus: bus, ctx: mc, echo: e}
}

func (f *fixture) countEvents(t *testing.T) int {
	t.Helper()
	var n int
	err := f.mod.db.QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestInit_RequiresStore(t *testing.T) {
	mod := New()
	mc := module.NewContext(module.ContextOptions{Log: zap.NewNop()})

	err := mod.Init(context.Background(), mc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires the shared store")
}

func TestRecordsLifecycleEvents(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.bus.Emit(ctx, kernel.EventModuleInitialized, "contacts")
	f.bus.Emit(ctx, kernel.EventModuleInitialized, "deals")
	f.bus.Emit(ctx, kernel.EventKernelReady, 2)
	f.bus.Emit(ctx, kernel.EventModuleShutdown, "deals")

	assert.Equal(t, 4, f.countEvents(t))

	var event, details string
	err := f.mod.db.QueryRow(
		`SELECT event, details FROM audit_events ORDER BY id LIMIT 1`,
	).Scan(&event, &details)
	require.NoError(t, err)
	assert.Equal(t, kernel.EventModuleInitialized, event)
	assert.Equal(t, `"contacts"`, details)
}

func TestIgnoresUnrelatedEvents(t *testing.T) {
	f := setup(t)

	f.bus.Emit(context.Background(), "deals.stage_changed", "d-42")

	assert.Equal(t, 0, f.countEvents(t))
}

func TestHandleEvents(t *testing.T) {
	t.Run("returns newest entries first", func(t *testing.T) {
		f := setup(t)
		require.NoError(t, f.mod.AttachSurface(f.ctx))

		ctx := context.Background()
		f.bus.Emit(ctx, kernel.EventModuleInitialized, "contacts")
		f.bus.Emit(ctx, kernel.EventModuleInitialized, "deals")

		req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/events", nil)
		rec := httptest.NewRecorder()
		f.echo.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp EventsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Events, 2)
		assert.Equal(t, `"deals"`, resp.Events[0].Details)
		assert.Equal(t, `"contacts"`, resp.Events[1].Details)
		assert.False(t, resp.Events[0].RecordedAt.IsZero())
	})

	t.Run("honors the limit parameter", func(t *testing.T) {
		f := setup(t)
		require.NoError(t, f.mod.AttachSurface(f.ctx))

		ctx := context.Background()
		for range 5 {
			f.bus.Emit(ctx, kernel.EventModuleInitialized, "contacts")
		}

		req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/events?limit=2", nil)
		rec := httptest.NewRecorder()
		f.echo.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var resp EventsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Events, 2)
	})

	t.Run("rejects an out of range limit", func(t *testing.T) {
		f := setup(t)
		require.NoError(t, f.mod.AttachSurface(f.ctx))

		for _, limit := range []string{"0", "-1", "501", "many"} {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/events?limit="+limit, nil)
			rec := httptest.NewRecorder()
			f.echo.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
		}
	})
}

func TestHandleRecordJob(t *testing.T) {
	t.Run("persists a remote entry", func(t *testing.T) {
		f := setup(t)

		job := jobs.Job{
			ID:      "j-1",
			Queue:   RecordQueue,
			Payload: json.RawMessage(`{"event":"billing.invoice_posted","details":{"invoice":"inv-42"}}`),
		}
		require.NoError(t, f.mod.handleRecordJob(context.Background(), job))

		var event, details string
		err := f.mod.db.QueryRow(`SELECT event, details FROM audit_events`).Scan(&event, &details)
		require.NoError(t, err)
		assert.Equal(t, "billing.invoice_posted", event)
		assert.JSONEq(t, `{"invoice":"inv-42"}`, details)
	})

	t.Run("defaults empty details", func(t *testing.T) {
		f := setup(t)

		job := jobs.Job{
			ID:      "j-2",
			Queue:   RecordQueue,
			Payload: json.RawMessage(`{"event":"auth.login"}`),
		}
		require.NoError(t, f.mod.handleRecordJob(context.Background(), job))

		var details string
		err := f.mod.db.QueryRow(`SELECT details FROM audit_events`).Scan(&details)
		require.NoError(t, err)
		assert.Equal(t, "null", details)
	})

	t.Run("rejects an entry without an event name", func(t *testing.T) {
		f := setup(t)

		job := jobs.Job{
			ID:      "j-3",
			Queue:   RecordQueue,
			Payload: json.RawMessage(`{"details":{"k":"v"}}`),
		}
		err := f.mod.handleRecordJob(context.Background(), job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing the event name")
		assert.Equal(t, 0, f.countEvents(t))
	})
}

func TestHealth(t *testing.T) {
	f := setup(t)
	assert.NoError(t, f.mod.Health(context.Background()))
}

func TestShutdown_Unsubscribes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.bus.Emit(ctx, kernel.EventModuleInitialized, "contacts")
	require.Equal(t, 1, f.countEvents(t))

	require.NoError(t, f.mod.Shutdown(ctx))

	f.bus.Emit(ctx, kernel.EventModuleInitialized, "deals")
	assert.Equal(t, 1, f.countEvents(t))
}

func TestDescriptor(t *testing.T) {
	desc := New().Descriptor()
	require.NoError(t, desc.Validate())
	assert.Equal(t, "audit", desc.Name)
	assert.True(t, desc.Optional)
	assert.Empty(t, desc.Dependencies)
}
