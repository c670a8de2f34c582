package integration

import (
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clientforge/forged/internal/config"
	"github.com/clientforge/forged/internal/eventbus"
	"github.com/clientforge/forged/internal/featureflag"
	"github.com/clientforge/forged/internal/jobs"
	"github.com/clientforge/forged/internal/kernel"
	"github.com/clientforge/forged/internal/store"
)

// platform bundles the infrastructure handles a forged instance wires at
// startup, backed by a temp-dir store and an embedded NATS server.
type platform struct {
	Store  *store.Store
	Queue  *jobs.Queue
	Bus    *eventbus.Bus
	Flags  *featureflag.Evaluator
	Kernel *kernel.Kernel
}

// startPlatform builds the full infrastructure stack the way cmd/forged
// does, with test-friendly backends.
func startPlatform(t *testing.T) *platform {
	t.Helper()

	st, err := store.Open(config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "forged.db"),
		BusyTimeout: config.Duration(5 * time.Second),
	})
	require.NoError(t, err, "Should open the store")
	t.Cleanup(func() { _ = st.Close() })

	queue := connectTestQueue(t)
	bus := eventbus.New(zap.NewNop())
	flags := featureflag.NewEvaluator(zap.NewNop())

	k := kernel.New(config.KernelConfig{
		InitTimeout:     config.Duration(10 * time.Second),
		ShutdownTimeout: config.Duration(5 * time.Second),
		HealthTimeout:   config.Duration(5 * time.Second),
		HealthPolicy:    config.HealthPolicyAll,
	}, kernel.Deps{
		Store: st,
		Jobs:  queue,
		Bus:   bus,
		Flags: flags,
		Log:   zap.NewNop(),
		Env:   "test",
	})

	return &platform{Store: st, Queue: queue, Bus: bus, Flags: flags, Kernel: k}
}

// startTestNATSServer starts an embedded NATS server for integration tests.
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

// connectTestQueue wires a job queue to an embedded NATS server.
func connectTestQueue(t *testing.T) *jobs.Queue {
	t.Helper()

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return jobs.NewQueue(nc, zap.NewNop(), nil)
}
