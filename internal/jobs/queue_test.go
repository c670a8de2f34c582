package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/clientforge/forged/internal/logging"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connectTestQueue(t *testing.T) *Queue {
	t.Helper()

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return NewQueue(nc, nil, nil)
}

func TestEnqueueDelivers(t *testing.T) {
	q := connectTestQueue(t)

	received := make(chan Job, 1)
	stop, err := q.Handle("contacts.reindex", func(ctx context.Context, job Job) error {
		received <- job
		return nil
	})
	require.NoError(t, err)
	defer stop()

	id, err := q.Enqueue(context.Background(), "contacts.reindex", map[string]string{"contact": "c-42"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case job := <-received:
		assert.Equal(t, id, job.ID)
		assert.Equal(t, "contacts.reindex", job.Queue)
		assert.False(t, job.EnqueuedAt.IsZero())

		var payload map[string]string
		require.NoError(t, job.Decode(&payload))
		assert.Equal(t, "c-42", payload["contact"])
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for job")
	}
}

func TestQueueGroup_SpreadsNotDuplicates(t *testing.T) {
	q := connectTestQueue(t)

	var handled atomic.Int32
	for i := 0; i < 2; i++ {
		stop, err := q.Handle("deals.score", func(ctx context.Context, job Job) error {
			handled.Add(1)
			return nil
		})
		require.NoError(t, err)
		defer stop()
	}

	_, err := q.Enqueue(context.Background(), "deals.score", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return handled.Load() == 1
	}, time.Second, 10*time.Millisecond)

	// A second consumer in the same group must not see the same job.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), handled.Load())
}

func TestEnqueue_InvalidQueueName(t *testing.T) {
	q := connectTestQueue(t)

	for _, name := range []string{"", "bad queue", "star*", "gt>", ".leading"} {
		_, err := q.Enqueue(context.Background(), name, nil)
		assert.Error(t, err, "queue name %q", name)
	}
}

func TestHandle_InvalidQueueName(t *testing.T) {
	q := connectTestQueue(t)

	_, err := q.Handle("bad queue", func(ctx context.Context, job Job) error { return nil })
	assert.Error(t, err)
}

func TestDispatch_MalformedJobDiscarded(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	log, logs := logging.NewTestLogger()
	q := NewQueue(nc, log, nil)

	var handled atomic.Int32
	stop, err := q.Handle("tasks.remind", func(ctx context.Context, job Job) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, nc.Publish("jobs.tasks.remind", []byte("{not json")))

	require.Eventually(t, func() bool {
		return logs.FilterMessageSnippet("discarding malformed job").Len() > 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), handled.Load())
}

func TestDispatch_HandlerErrorLogged(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	log, logs := logging.NewTestLogger()
	q := NewQueue(nc, log, nil)

	stop, err := q.Handle("tasks.remind", func(ctx context.Context, job Job) error {
		return assert.AnError
	})
	require.NoError(t, err)
	defer stop()

	id, err := q.Enqueue(context.Background(), "tasks.remind", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return logs.FilterMessageSnippet("job handler failed").Len() > 0
	}, time.Second, 10*time.Millisecond)

	entry := logs.FilterMessageSnippet("job handler failed").All()[0]
	assert.Equal(t, id, entry.ContextMap()["job"])
}

func TestStop_EndsDelivery(t *testing.T) {
	q := connectTestQueue(t)

	var handled atomic.Int32
	stop, err := q.Handle("contacts.reindex", func(ctx context.Context, job Job) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "contacts.reindex", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return handled.Load() == 1
	}, time.Second, 10*time.Millisecond)

	stop()

	_, err = q.Enqueue(context.Background(), "contacts.reindex", nil)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), handled.Load())
}

func TestDrain_WaitsForInflight(t *testing.T) {
	q := connectTestQueue(t)

	started := make(chan struct{})
	var completed atomic.Bool
	_, err := q.Handle("deals.score", func(ctx context.Context, job Job) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		completed.Store(true)
		return nil
	})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "deals.score", nil)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
	assert.True(t, completed.Load(), "drain must wait for the in-flight handler")
}

func TestDrain_Idempotent(t *testing.T) {
	q := connectTestQueue(t)

	ctx := context.Background()
	require.NoError(t, q.Drain(ctx))
	require.NoError(t, q.Drain(ctx))
	q.Close()
}

func TestQueueLifecycle_NoGoroutineLeaks(t *testing.T) {
	ignore := goleak.IgnoreCurrent()

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	q := NewQueue(nc, nil, nil)

	done := make(chan struct{}, 1)
	stop, err := q.Handle("contacts.reindex", func(ctx context.Context, job Job) error {
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "contacts.reindex", nil)
	require.NoError(t, err)
	<-done

	stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
	nc.Close()
	server.Shutdown()
	server.WaitForShutdown()

	goleak.VerifyNone(t, ignore)
}
