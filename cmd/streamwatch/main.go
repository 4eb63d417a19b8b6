// streamwatch connects to a TestBro telemetry server and prints connection
// state transitions and live projection snapshots to the console.
// Usage: go run ./cmd/streamwatch --config configs/streamwatch.local.yaml --execution <id>
//
// Required environment variables:
//
//	TESTBRO_TOKEN - access token for the dashboard session
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akkash/testbro-telemetry/internal/config"
	"github.com/akkash/testbro-telemetry/internal/connection"
	"github.com/akkash/testbro-telemetry/internal/projection"
	"github.com/akkash/testbro-telemetry/internal/protocol"
	"github.com/akkash/testbro-telemetry/internal/session"
	"github.com/akkash/testbro-telemetry/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamwatch.example.yaml", "path to config file")
	executionID := flag.String("execution", "", "execution id to watch")
	projectID := flag.String("project", "", "project id for presence")
	verbose := flag.Bool("verbose", false, "print full envelope JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamwatch",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	token := cfg.Session.Token
	if token == "" {
		token = os.Getenv("TESTBRO_TOKEN")
	}
	if token == "" {
		logger.Error("no access token; set session.token or TESTBRO_TOKEN")
		os.Exit(1)
	}
	tokens := session.NewStore(token)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr := connection.NewManager(connection.ManagerConfig{
		URL:                cfg.Server.URL,
		DialTimeout:        cfg.Connection.DialTimeout,
		WriteTimeout:       cfg.Connection.WriteTimeout,
		PingTimeout:        cfg.Connection.PingTimeout,
		BufferSize:         cfg.Connection.BufferSize,
		HeartbeatInterval:  cfg.Connection.HeartbeatInterval,
		ReconnectBaseDelay: cfg.Reconnect.BaseDelay,
		ReconnectMaxDelay:  cfg.Reconnect.MaxDelay,
		MaxReconnects:      cfg.Reconnect.MaxAttempts,
		TokenDebounce:      cfg.Session.TokenDebounce,
	}, tokens, logger)

	store := projection.NewStore(cfg.Projection.MaxLogTail, logger)
	for _, t := range []protocol.EventType{
		protocol.EventExecutionStart,
		protocol.EventExecutionProgress,
		protocol.EventStepStart,
		protocol.EventStepComplete,
		protocol.EventExecutionComplete,
		protocol.EventError,
		protocol.EventLog,
		protocol.EventPresence,
		protocol.EventSystemMetrics,
	} {
		mgr.On(t, store.HandleEvent)
	}

	if *verbose {
		for _, t := range []protocol.EventType{
			protocol.EventLivePreview,
			protocol.EventScreenshot,
			protocol.EventRecording,
			protocol.EventPlayback,
			protocol.EventBrowserControl,
		} {
			mgr.On(t, printEnvelope)
		}
	}

	removeListener := mgr.OnStateChange(func(st connection.State) {
		logger.Info("connection state",
			"connected", st.Connected,
			"connecting", st.Connecting,
			"latency_ms", st.LatencyMS,
			"reconnects", st.ReconnectCount,
			"error", st.Error,
		)
	})
	defer removeListener()

	if err := mgr.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer mgr.Disconnect()

	if *executionID != "" {
		mgr.Subscribe(protocol.RoomExecution, *executionID)
		defer store.Discard(*executionID)
	}
	if *projectID != "" {
		mgr.Subscribe(protocol.RoomProject, *projectID)
	}
	mgr.UpdateActivity("watching", *executionID)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				printStatus(mgr, store, *executionID)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("streamwatch stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}

func printStatus(mgr connection.Manager, store *projection.Store, executionID string) {
	stats := mgr.Stats()
	fmt.Printf("--- frames=%d protocol_errors=%d dropped_cmds=%d dispatched=%d unhandled=%d rooms=%v\n",
		stats.FramesReceived,
		stats.ProtocolErrors,
		stats.DroppedCommands,
		stats.Dispatch.Dispatched,
		stats.Dispatch.Unhandled,
		mgr.ActiveRooms(),
	)

	if executionID != "" {
		view := store.Execution(executionID).Snapshot()
		fmt.Printf("    execution %s: phase=%s progress=%.1f%% steps=%d logs=%d error=%q\n",
			view.ExecutionID, view.Phase, view.Progress, len(view.Steps), len(view.LogTail), view.Error)
		for _, step := range view.Steps {
			fmt.Printf("      [%d] %s (%s) %s\n", step.Order, step.Name, step.StepID, step.Status)
		}
	}

	if sample, ok := store.Metrics().Latest(); ok {
		fmt.Printf("    system: cpu=%.1f%% mem=%.1f%% sessions=%d queued=%d\n",
			sample.CPUPercent, sample.MemoryPercent, sample.ActiveSessions, sample.QueuedJobs)
	}

	if members := store.Presence().Members(); len(members) > 0 {
		fmt.Printf("    presence: %d online\n", len(members))
	}
}

func printEnvelope(env *protocol.Envelope) {
	data, _ := json.Marshal(env)
	fmt.Printf("<<< %s\n", data)
}
