// Command shmclient connects to a running shmserver over its side-channel
// socket, then polls for published slots until interrupted — a minimal
// driver for the client façade: load config, build, start, wait for
// signal, shut down cleanly.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/odin-labs/shmchan/client"
	"github.com/odin-labs/shmchan/internal/config"
	"github.com/odin-labs/shmchan/internal/logging"
	"github.com/odin-labs/shmchan/pkg/shmem"
	"github.com/odin-labs/shmchan/pkg/sidechannel"
	"golang.org/x/time/rate"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		println("shmclient: failed to load configuration: " + err.Error())
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "shmclient"})

	addr, err := net.ResolveUnixAddr("unixpacket", cfg.SocketPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("resolving socket path")
	}
	conn, err := net.DialUnix("unixpacket", nil, addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("dialing server socket")
	}

	ch := sidechannel.NewUnixSocketChannel(conn, rate.Limit(cfg.NotifyRatePerSecond), cfg.NotifyBurst, logger)

	cl := client.New(ch, client.Config{
		MaxSlots:               cfg.NSlots,
		MaxServerQueueCapacity: cfg.AvailableQueueCapacity,
		FreeQueueCapacity:      cfg.FreeQueueCapacity,
		Provider:               shmem.NewPosixProvider("shmchan"),
		Logger:                 logger,
	})

	cl.OnStateTransition(func(from, to client.State, err error) {
		ev := logger.Info()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("from", from.String()).Str("to", to.String()).Msg("client state transition")
	})

	cl.Connect()

	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(done)
	}()

	// Poll for published slots until interrupted. Polling (rather than
	// StartListening) keeps this driver simple; Notify-driven wakeups are
	// exercised by the package tests instead.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			logger.Info().Msg("disconnecting")
			if err := cl.Disconnect(); err != nil {
				logger.Warn().Err(err).Msg("disconnect failed")
			}
			return
		case <-ticker.C:
			state := cl.State()
			if state != client.StateConnectedPolling && state != client.StateConnectedNotified {
				continue
			}
			for {
				token, ok, err := cl.ReceiveSlot()
				if err != nil {
					logger.Error().Err(err).Msg("receive_slot failed")
					break
				}
				if !ok {
					break
				}
				data := cl.Access(token)
				logger.Debug().Int("bytes", len(data)).Msg("received slot")
				if err := cl.ReleaseSlot(token); err != nil {
					logger.Warn().Err(err).Msg("release_slot failed")
				}
			}
		}
	}
}
