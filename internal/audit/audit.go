// Package audit is the built-in module that records platform lifecycle
// events. It subscribes to the kernel's bus events, persists them in an
// audit_events table through the shared store, accepts remote entries on
// the audit.record job queue, and serves the trail to operators.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/clientforge/forged/internal/eventbus"
	"github.com/clientforge/forged/internal/jobs"
	"github.com/clientforge/forged/internal/kernel"
	"github.com/clientforge/forged/internal/module"
)

// RecordQueue is the job queue remote producers enqueue audit entries on.
const RecordQueue = "audit.record"

const schema = `
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT 'null',
		recorded_at DATETIME NOT NULL
	);
`

// Entry is one recorded event.
type Entry struct {
	ID         int64     `json:"id"`
	Event      string    `json:"event"`
	Details    string    `json:"details"`
	RecordedAt time.Time `json:"recorded_at"`
}

// EventsResponse is the response body for GET /api/v1/audit/events.
type EventsResponse struct {
	Events []Entry `json:"events"`
}

// RecordRequest is the payload for jobs enqueued on RecordQueue.
type RecordRequest struct {
	Event   string          `json:"event"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Module records lifecycle and application events. Register it before the
// feature modules so its subscriptions observe their initialization.
type Module struct {
	log    *zap.Logger
	db     *sql.DB
	unsubs []func()
}

// New creates the audit module.
func New() *Module {
	return &Module{}
}

func (m *Module) Descriptor() module.Descriptor {
	return module.Descriptor{
		Name:        "audit",
		Version:     "1.0.0",
		Optional:    true,
		Description: "records platform lifecycle events",
		Owner:       "platform",
		Tags:        []string{"ops"},
	}
}

// Init creates the audit table and subscribes to lifecycle events.
func (m *Module) Init(ctx context.Context, mc *module.Context) error {
	if mc.Store() == nil {
		return fmt.Errorf("audit requires the shared store")
	}
	m.log = mc.Log()
	m.db = mc.Store().DB()

	if _, err := m.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating audit_events table: %w", err)
	}

	if bus := mc.Bus(); bus != nil {
		for _, event := range []string{
			kernel.EventModuleInitialized,
			kernel.EventModuleInitFailed,
			kernel.EventModuleShutdown,
			kernel.EventKernelReady,
		} {
			m.unsubs = append(m.unsubs, bus.Subscribe(event, m.record))
		}
	}
	return nil
}

// AttachSurface mounts the trail endpoint on the module's route group.
func (m *Module) AttachSurface(mc *module.Context) error {
	mc.Surface().GET("/events", m.handleEvents)
	return nil
}

// AttachJobs registers the RecordQueue handler when a queue is wired.
func (m *Module) AttachJobs(mc *module.Context) error {
	if mc.Jobs() == nil {
		m.log.Debug("job queue not configured, skipping audit record handler")
		return nil
	}
	unsub, err := mc.Jobs().Handle(RecordQueue, m.handleRecordJob)
	if err != nil {
		return fmt.Errorf("registering %s handler: %w", RecordQueue, err)
	}
	m.unsubs = append(m.unsubs, unsub)
	return nil
}

// Health probes the audit table.
func (m *Module) Health(ctx context.Context) error {
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		return fmt.Errorf("audit store unavailable: %w", err)
	}
	return nil
}

// Shutdown drops the bus subscriptions and the job handler. The table
// stays; the trail survives restarts.
func (m *Module) Shutdown(ctx context.Context) error {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	return nil
}

// record is the bus listener persisting one lifecycle event.
func (m *Module) record(ctx context.Context, evt eventbus.Event) error {
	details, err := json.Marshal(evt.Payload)
	if err != nil {
		details = []byte(strconv.Quote(fmt.Sprint(evt.Payload)))
	}
	return m.insert(ctx, evt.Name, string(details))
}

// handleRecordJob persists an entry enqueued by a remote producer.
func (m *Module) handleRecordJob(ctx context.Context, job jobs.Job) error {
	var req RecordRequest
	if err := job.Decode(&req); err != nil {
		return fmt.Errorf("decoding record request: %w", err)
	}
	if req.Event == "" {
		return fmt.Errorf("record request is missing the event name")
	}

	details := string(req.Details)
	if details == "" {
		details = "null"
	}
	return m.insert(ctx, req.Event, details)
}

func (m *Module) insert(ctx context.Context, event, details string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO audit_events (event, details, recorded_at) VALUES (?, ?, ?)`,
		event, details, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording %s: %w", event, err)
	}
	return nil
}

func (m *Module) handleEvents(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		limit = n
	}

	rows, err := m.db.QueryContext(c.Request().Context(),
		`SELECT id, event, details, recorded_at FROM audit_events ORDER BY id DESC LIMIT ?`,
		limit)
	if err != nil {
		m.log.Error("querying audit events", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "querying audit events")
	}
	defer rows.Close()

	out := EventsResponse{Events: make([]Entry, 0, limit)}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Event, &e.Details, &e.RecordedAt); err != nil {
			m.log.Error("scanning audit event", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "reading audit events")
		}
		out.Events = append(out.Events, e)
	}
	if err := rows.Err(); err != nil {
		m.log.Error("iterating audit events", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reading audit events")
	}

	return c.JSON(http.StatusOK, out)
}
