// Command shmserver runs the server side of a shared-memory slot channel:
// it allocates the slot pool, listens on a Unix domain socket for client
// handshakes, and exposes Prometheus metrics. Standard top-level shape:
// load config, build server, start, wait for signal, shut down.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/odin-labs/shmchan/internal/config"
	"github.com/odin-labs/shmchan/internal/logging"
	"github.com/odin-labs/shmchan/internal/telemetry"
	"github.com/odin-labs/shmchan/pkg/admission"
	"github.com/odin-labs/shmchan/pkg/handle"
	"github.com/odin-labs/shmchan/pkg/ratelimit"
	"github.com/odin-labs/shmchan/pkg/shmem"
	"github.com/odin-labs/shmchan/pkg/sidechannel"
	"github.com/odin-labs/shmchan/server"
	"golang.org/x/time/rate"
	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		println("shmserver: failed to load configuration: " + err.Error())
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "shmserver"})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting")

	classDefs, err := cfg.ParseClasses()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid SHM_CLASSES")
	}

	guard := admission.New(admission.Config{
		CPURejectPercent:  cfg.CPURejectPercent,
		MemoryRejectBytes: cfg.MemoryRejectBytes,
	}, logger)
	defer guard.Stop()

	metrics := telemetry.New()

	srv, err := server.New(server.Config{
		NSlots:                 cfg.NSlots,
		SlotSize:               cfg.SlotSize,
		SlotAlignment:          cfg.SlotAlignment,
		ContentSize:            cfg.ContentSize,
		ContentAlignment:       cfg.ContentAlignment,
		AvailableQueueCapacity: cfg.AvailableQueueCapacity,
		MaxClientQueueCapacity: cfg.MaxClientQueueCapacity,
		MaxReceivers:           cfg.MaxReceivers,
		MaxClasses:             cfg.MaxClasses,
		Provider:               shmem.NewPosixProvider("shmchan"),
		Logger:                 logger,
		ConnectLimiter:         ratelimit.NewConnectLimiter(cfg.ConnectRatePerSecond, cfg.ConnectBurst),
		NotifyLimiter:          ratelimit.NewNotifyLimiter(cfg.NotifyRatePerSecond, cfg.NotifyBurst),
		Guard:                  guard,
		Metrics:                metrics,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Every class in SHM_CLASSES is created up front: classes are fixed
	// once the server is built. This demo assigns every connecting client
	// to the first class, since the handshake protocol carries no
	// client-identity field to resolve a per-connection class from the
	// member list — the member list is reserved for a future
	// identification step, not consumed here.
	classes := make([]handle.Class, 0, len(classDefs))
	for _, def := range classDefs {
		classes = append(classes, srv.CreateClass(def.Cap))
		logger.Info().Str("class", def.Name).Int("cap", def.Cap).Msg("class created")
	}
	defaultClass := classes[0]

	srv.OnStateTransition(func(clientID uint64, from, to server.State, err error) {
		metrics.RecordTransition("server", from.String(), to.String())
		ev := logger.Info()
		if err != nil {
			ev = logger.Warn().Err(err)
			metrics.RecordProtocolError("server", "transition")
		}
		ev.Uint64("client", clientID).Str("from", from.String()).Str("to", to.String()).Msg("client state transition")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queueDepthFn := telemetry.QueueDepthFunc(func() []telemetry.QueueDepthSample {
		deps := srv.QueueDepths()
		samples := make([]telemetry.QueueDepthSample, len(deps))
		for i, d := range deps {
			samples[i] = telemetry.QueueDepthSample{
				Receiver:  d.ClientID,
				Available: d.AvailableDepth,
				Free:      d.FreeDepth,
			}
		}
		return samples
	})
	metrics.StartSampling(ctx, srv.Borrow(), queueDepthFn, cfg.MetricsInterval)
	go func() {
		snapshotFn := telemetry.SnapshotFunc(func() any { return srv.Snapshot() })
		if err := telemetry.ServeAdmin(ctx, cfg.MetricsAddr, metrics, snapshotFn, logger); err != nil {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()

	os.Remove(cfg.SocketPath)
	addr, err := net.ResolveUnixAddr("unixpacket", cfg.SocketPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("resolving socket path")
	}
	listener, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("listening on side-channel socket")
	}
	logger.Info().Str("socket", cfg.SocketPath).Msg("listening for clients")

	go func() {
		for {
			conn, err := listener.AcceptUnix()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn().Err(err).Msg("accept failed")
				continue
			}
			ch := sidechannel.NewUnixSocketChannel(conn, rate.Limit(cfg.NotifyRatePerSecond), cfg.NotifyBurst, logger)
			if _, err := srv.ConnectClient(ch, defaultClass); err != nil {
				logger.Warn().Err(err).Msg("connect_client rejected")
				ch.Close()
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	listener.Close()
	os.Remove(cfg.SocketPath)

	// Drain the free queues once more before exit and add the reclaimed
	// slots to the reclaimed counter.
	reclaimed := srv.ReclaimSlots()
	metrics.RecordReclaimed(len(reclaimed))
}
