package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vinayprograms/agentbus/auth"
	"github.com/vinayprograms/agentbus/bus"
	"github.com/vinayprograms/agentbus/config"
	"github.com/vinayprograms/agentbus/courier"
	"github.com/vinayprograms/agentbus/events"
	"github.com/vinayprograms/agentbus/gateway"
	"github.com/vinayprograms/agentbus/heartbeat"
	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/mailbox"
	"github.com/vinayprograms/agentbus/push"
	"github.com/vinayprograms/agentbus/ratelimit"
	"github.com/vinayprograms/agentbus/registry"
	"github.com/vinayprograms/agentbus/shutdown"
	"github.com/vinayprograms/agentbus/state"
	"github.com/vinayprograms/agentbus/tasks"
	"github.com/vinayprograms/agentbus/telemetry"
)

// node is one running bus process: every component built from config and
// registered for phased shutdown.
type node struct {
	cfg      *config.Config
	logger   *logging.Logger
	shutdown *shutdown.Coordinator

	bus      bus.MessageBus
	registry registry.Registry
	courier  *courier.Courier
	monitor  *heartbeat.Monitor
	gateway  *gateway.Gateway
}

// build wires the components named by cfg. On error, whatever was already
// built is shut down.
func build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (n *node, err error) {
	n = &node{
		cfg:    cfg,
		logger: logger,
		shutdown: shutdown.NewCoordinator(shutdown.Config{
			Timeout:         cfg.Shutdown.Timeout.Std(),
			ContinueOnError: true,
			Logger:          logger.WithComponent("shutdown"),
		}),
	}
	defer func() {
		if err != nil {
			n.shutdown.ShutdownWithTimeout(5 * time.Second)
		}
	}()

	tracer := telemetry.GetTracer()
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: Version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Protocol:       cfg.Telemetry.Protocol,
			Insecure:       cfg.Telemetry.Insecure,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return n, fmt.Errorf("telemetry: %w", err)
		}
		tracer = provider.Tracer()
		n.shutdown.RegisterFuncWithPhase("telemetry", provider.Shutdown, shutdown.PhaseTelemetry)
	}

	if err := n.buildBus(); err != nil {
		return n, err
	}
	if err := n.buildRegistry(); err != nil {
		return n, err
	}
	store, err := n.buildStore()
	if err != nil {
		return n, err
	}

	opts := []courier.Option{
		courier.WithConfig(courier.Config{
			MaxMessageAge:       cfg.Mailbox.MaxMessageAge.Std(),
			ConfirmationTimeout: cfg.Confirmation.DefaultTimeout.Std(),
			EvictionInterval:    cfg.Mailbox.EvictionInterval.Std(),
			PushTimeout:         cfg.Push.Timeout.Std() * time.Duration(max(cfg.Push.MaxAttempts, 1)),
		}),
		courier.WithTracer(tracer),
		courier.WithLogger(logger.WithComponent("courier")),
	}
	if cfg.Tasks.Enabled {
		coord, err := n.buildTasks()
		if err != nil {
			store.Close()
			return n, err
		}
		opts = append(opts, courier.WithTasks(coord))
	}

	var signer *auth.Signer
	if cfg.Auth.Secret != "" {
		signer, err = auth.NewSigner([]byte(cfg.Auth.Secret),
			auth.WithIssuer(cfg.Auth.Issuer), auth.WithTTL(cfg.Auth.TokenTTL.Std()))
		if err != nil {
			store.Close()
			return n, fmt.Errorf("auth: %w", err)
		}
	}
	if cfg.Push.Enabled {
		popts := []push.Option{
			push.WithBus(n.bus),
			push.WithTracer(tracer),
			push.WithLogger(logger.WithComponent("push")),
		}
		if signer != nil {
			popts = append(popts, push.WithSigner(signer))
		}
		opts = append(opts, courier.WithPusher(push.New(push.Config{
			MaxAttempts:    cfg.Push.MaxAttempts,
			InitialBackoff: cfg.Push.InitialBackoff.Std(),
			MaxBackoff:     cfg.Push.MaxBackoff.Std(),
			Timeout:        cfg.Push.Timeout.Std(),
		}, popts...)))
	}

	n.courier = courier.New(n.registry, store, opts...)
	n.shutdown.RegisterWithPhase("courier", n.courier, shutdown.PhaseCourier)
	if cfg.NATS.EventPrefix != "" {
		n.courier.Events().Subscribe(events.NewBusForwarder(n.bus, cfg.NATS.EventPrefix, logger.WithComponent("events")))
	}

	if cfg.Heartbeat.Enabled {
		n.monitor, err = heartbeat.NewMonitor(heartbeat.MonitorConfig{
			Registry:      n.registry,
			Bus:           n.bus,
			Queue:         "agentbus-monitors",
			Timeout:       cfg.Heartbeat.Timeout.Std(),
			CheckInterval: cfg.Heartbeat.CheckInterval.Std(),
			MaxSkew:       cfg.Heartbeat.MaxSkew.Std(),
			Logger:        logger.WithComponent("heartbeat"),
		})
		if err != nil {
			return n, fmt.Errorf("heartbeat: %w", err)
		}
	}

	gopts := []gateway.Option{
		gateway.WithLogger(logger.WithComponent("gateway")),
		gateway.WithAllowedOrigins(cfg.Gateway.AllowedOrigins...),
	}
	if n.monitor != nil {
		gopts = append(gopts, gateway.WithMonitor(n.monitor))
	}
	if signer != nil {
		gopts = append(gopts, gateway.WithSigner(signer))
	}
	if cfg.Gateway.RateLimit > 0 {
		limiter, err := ratelimit.New(cfg.Gateway.RateLimit, cfg.Gateway.RateWindow.Std())
		if err != nil {
			return n, fmt.Errorf("rate limit: %w", err)
		}
		gopts = append(gopts, gateway.WithLimiter(limiter))
		n.shutdown.RegisterFuncWithPhase("ratelimit", func(context.Context) error {
			return limiter.Close()
		}, shutdown.PhaseStorage)
	}
	n.gateway = gateway.New(n.courier, gopts...)
	n.shutdown.RegisterWithPhase("gateway", n.gateway, shutdown.PhaseIngress)
	return n, nil
}

func (n *node) buildBus() error {
	if !n.cfg.UsesNATS() {
		b := bus.NewMemoryBus(bus.DefaultConfig())
		n.bus = b
		n.shutdown.RegisterFuncWithPhase("bus", func(context.Context) error { return b.Close() }, shutdown.PhaseStorage+1)
		return nil
	}

	nc := bus.DefaultNATSConfig()
	nc.URL = n.cfg.NATS.URL
	nc.Name = n.cfg.NATS.Name
	nc.Token = n.cfg.NATS.Token
	nc.User = n.cfg.NATS.User
	nc.Password = n.cfg.NATS.Password
	nc.Logger = n.logger
	b, err := bus.NewNATSBus(nc)
	if err != nil {
		return err
	}
	n.bus = b
	// The connection outlives every store built on it.
	n.shutdown.RegisterFuncWithPhase("nats", func(context.Context) error { return b.Close() }, shutdown.PhaseStorage+1)
	n.logger.Info("nats_connected", logging.Fields{"url": nc.URL})
	return nil
}

func (n *node) buildRegistry() error {
	var reg registry.Registry
	switch n.cfg.Registry.Backend {
	case config.BackendNATS:
		rc := registry.DefaultNATSRegistryConfig()
		rc.BucketName = n.cfg.NATS.RegistryBucket
		rc.Replicas = n.cfg.NATS.Replicas
		r, err := registry.NewNATSRegistry(n.bus.(*bus.NATSBus).Conn(), rc)
		if err != nil {
			return fmt.Errorf("registry: %w", err)
		}
		reg = r
	default:
		reg = registry.NewMemoryRegistry(registry.MemoryConfig{})
	}
	n.registry = reg
	n.shutdown.RegisterFuncWithPhase("registry", func(context.Context) error { return reg.Close() }, shutdown.PhaseStorage)
	return nil
}

// buildStore returns the mailbox store. The courier owns and closes it.
func (n *node) buildStore() (mailbox.Store, error) {
	mc := mailbox.Config{MaxMessagesPerAgent: n.cfg.Mailbox.MaxMessagesPerAgent}
	switch n.cfg.Store.Backend {
	case config.BackendSQLite:
		s, err := mailbox.NewSQLiteStore(n.cfg.Store.Path, mc)
		if err != nil {
			return nil, fmt.Errorf("mailbox: %w", err)
		}
		return s, nil
	case config.BackendNATS:
		jc := mailbox.DefaultJetStreamConfig()
		jc.Conn = n.bus.(*bus.NATSBus).Conn()
		jc.Bucket = n.cfg.NATS.MailboxBucket
		jc.Replicas = n.cfg.NATS.Replicas
		s, err := mailbox.NewJetStreamStore(jc, mc)
		if err != nil {
			return nil, fmt.Errorf("mailbox: %w", err)
		}
		return s, nil
	default:
		return mailbox.NewMemoryStore(mc), nil
	}
}

func (n *node) buildTasks() (*tasks.Coordinator, error) {
	var st state.StateStore
	switch n.cfg.Tasks.Backend {
	case config.BackendNATS:
		sc := state.DefaultNATSStoreConfig()
		sc.Conn = n.bus.(*bus.NATSBus).Conn()
		sc.Bucket = n.cfg.NATS.StateBucket
		s, err := state.NewNATSStore(sc)
		if err != nil {
			return nil, fmt.Errorf("tasks: %w", err)
		}
		st = s
	default:
		st = state.NewMemoryStore()
	}
	n.shutdown.RegisterFuncWithPhase("tasks", func(context.Context) error { return st.Close() }, shutdown.PhaseStorage)
	return tasks.NewCoordinator(st, tasks.WithLogger(n.logger.WithComponent("tasks"))), nil
}

// start launches background work: the courier's sweeper and registry
// forwarding, and the liveness monitor.
func (n *node) start() error {
	if err := n.courier.Start(); err != nil {
		return err
	}
	if n.monitor != nil {
		if err := n.monitor.Start(); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		n.shutdown.RegisterFuncWithPhase("heartbeat", func(context.Context) error {
			return n.monitor.Stop()
		}, shutdown.PhaseLiveness)
	}
	return nil
}

// listen serves the gateway over HTTP until shutdown.
func (n *node) listen(addr string) (*http.Server, <-chan error) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           n.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	n.shutdown.RegisterFuncWithPhase("http", srv.Shutdown, shutdown.PhaseIngress)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return srv, errCh
}
