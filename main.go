package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/shedder/admin"
	"github.com/maxpert/shedder/cfg"
	"github.com/maxpert/shedder/cluster"
	"github.com/maxpert/shedder/coordinator"
	"github.com/maxpert/shedder/host"
	"github.com/maxpert/shedder/membership"
	"github.com/maxpert/shedder/policy"
	"github.com/maxpert/shedder/shedder"
	"github.com/maxpert/shedder/telemetry"
	"github.com/maxpert/shedder/tracker"
	"github.com/maxpert/shedder/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// coordinatorService names the coordinator singleton for placement
const coordinatorService = "shedder.Coordinator"

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	node := cluster.NodeAddress(cfg.Config.NodeAddress)

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("node", node.String()).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Shedder - activation rebalancing")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry(node.String(), cfg.Config.Prometheus.Enabled)
	telemetry.InitMetrics()

	// Incarnation grows across restarts so peers can tell a rejoin from a stale beat
	incarnation := uint64(time.Now().UnixNano())

	// Phase 1: Message bus
	bus, err := initializeBus(node)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize message bus")
		return
	}
	defer bus.Close()

	// Phase 2: Membership and coordinator placement
	log.Info().Msg("Starting membership")
	registry := membership.NewRegistry(
		node,
		incarnation,
		time.Duration(cfg.Config.Membership.SuspectTimeoutMS)*time.Millisecond,
		time.Duration(cfg.Config.Membership.DeadTimeoutMS)*time.Millisecond,
	)
	unsubscribeHeartbeats, err := bus.SubscribeHeartbeats(registry.HandleHeartbeat)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to heartbeats")
		return
	}
	defer unsubscribeHeartbeats()

	heartbeater := membership.NewHeartbeater(
		registry,
		bus,
		incarnation,
		time.Duration(cfg.Config.Membership.HeartbeatIntervalMS)*time.Millisecond,
	)
	heartbeater.Start()
	defer heartbeater.Stop()

	placement := membership.NewPlacement(coordinatorService, registry.Incarnation)

	// Phase 3: Host runtime, eligibility policy and tracker
	log.Info().Msg("Initializing host runtime")
	h, err := initializeHost(node)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize host")
		return
	}

	buildOpts, err := cfg.PolicyOptions(h.DeclaredTypes())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build eligibility policy")
		return
	}
	table := policy.Build(buildOpts)
	log.Info().Strs("types", table.Types()).Msg("Eligibility policy built")

	tr := tracker.New(table, h)
	h.Use(tr.Intercept)

	// Phase 4: Local shedder
	shedOpts, err := cfg.ShedderOptions()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid shedder options")
		return
	}
	localShedder, err := shedder.New(shedder.Config{
		Node:    node,
		Runtime: h,
		Table:   table,
		Tracker: tr,
		Options: shedOpts,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create local shedder")
		return
	}
	defer localShedder.Stop()

	stopCommands, err := transport.ServeCommands(bus, node, localShedder)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to commands")
		return
	}
	defer stopCommands()

	// Phase 5: Coordinator
	coord, err := coordinator.New(coordinator.Config{
		Node:       node,
		Membership: registry,
		Messenger:  transport.NewMessenger(bus, node),
		Options:    cfg.CoordinatorOptions(),
		IsOwner: func(view cluster.ClusterView) bool {
			return placement.IsOwner(view, node)
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create coordinator")
		return
	}
	defer coord.Stop()

	startup := coordinator.NewStartupTask(node, cfg.StartupRetryInterval(), localShedder, coord, registry.Settled)
	startup.Start()
	defer startup.Stop()

	// Phase 6: Metrics collector and admin API
	if cfg.Config.Prometheus.Enabled {
		collector := telemetry.NewMetricsCollector(
			h,
			tr,
			registry,
			time.Duration(cfg.Config.Prometheus.CollectIntervalMS)*time.Millisecond,
		)
		collector.Start()
		defer collector.Stop()
	}

	if cfg.Config.Admin.Enabled {
		handlers := admin.NewAdminHandlers(node, localShedder, coord, registry, table, h)
		addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
		server := admin.NewServer(addr, handlers, cfg.Config.Admin.Secret)

		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", addr).Msg("Admin server failed")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		}()
	}

	log.Info().
		Str("node", node.String()).
		Uint64("incarnation", incarnation).
		Int("admin_port", cfg.Config.Admin.Port).
		Stringer("strategy", shedOpts.Strategy).
		Msg("Node is operational")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Stringer("signal", s).Msg("Shutting down")
}

func initializeBus(node cluster.NodeAddress) (transport.Bus, error) {
	if cfg.Config.Transport.NatsURL == "" {
		log.Info().Msg("No NATS URL configured, running as single-process cluster")
		return transport.NewLocalBus(cfg.Config.Transport.InboxSize), nil
	}

	log.Info().Str("url", cfg.Config.Transport.NatsURL).Msg("Connecting to NATS")
	return transport.NewNatsBus(cfg.Config.Transport.NatsURL, cfg.Config.Transport.SubjectPrefix, node.String())
}

func initializeHost(node cluster.NodeAddress) (*host.Host, error) {
	h := host.New(node)

	for _, t := range cfg.Config.Host.Types {
		var opts []host.Option
		if t.Sheddable {
			if t.Priority == "" {
				opts = append(opts, host.Sheddable())
			} else {
				p, err := policy.ParsePriority(t.Priority)
				if err != nil {
					return nil, fmt.Errorf("host type %s: %w", t.Name, err)
				}
				opts = append(opts, host.SheddableWithPriority(p))
			}
		}

		if err := h.RegisterType(t.Name, opts...); err != nil {
			return nil, err
		}
		log.Debug().Str("type", t.Name).Bool("sheddable", t.Sheddable).Msg("Registered host type")
	}

	return h, nil
}
