package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentbus/logging"
	"github.com/vinayprograms/agentbus/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bus and serve agents over JSON-RPC",
	Long: `Run the bus and serve agents over JSON-RPC 2.0.

By default the gateway listens for WebSocket clients on /ws at the configured
address. With --stdio a single trusted agent speaks newline-delimited
JSON-RPC on stdin and stdout, and the bus exits when stdin closes.`,
	RunE: runServe,
}

var (
	serveAddr  string
	serveStdio bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides gateway.addr)")
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "serve one agent on stdin/stdout instead of listening")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.New()
	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logger.SetLevel(level)
	log := logger.WithComponent("agentbus")
	if path != "" {
		log.Info("config_loaded", logging.Fields{"path": path})
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	n, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := n.start(); err != nil {
		n.shutdown.ShutdownWithTimeout(0)
		return err
	}
	n.shutdown.HandleSignals()

	if serveStdio {
		log.Info("serving_stdio", logging.Fields{"store": cfg.Store.Backend, "registry": cfg.Registry.Backend})
		t := transport.NewStdioTransport(os.Stdin, os.Stdout, transport.DefaultConfig())
		if err := n.gateway.ServeTransport(ctx, t, nil); err != nil {
			log.Warn("stdio_session_error", logging.Fields{"error": err})
		}
		n.shutdown.Trigger()
		<-n.shutdown.Done()
		return n.shutdown.Err()
	}

	addr := cfg.Gateway.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	_, errCh := n.listen(addr)
	log.Info("serving", logging.Fields{
		"addr":     addr,
		"store":    cfg.Store.Backend,
		"registry": cfg.Registry.Backend,
		"auth":     cfg.Auth.Secret != "",
	})

	select {
	case err := <-errCh:
		if err != nil {
			n.shutdown.ShutdownWithTimeout(0)
			return fmt.Errorf("listen %s: %w", addr, err)
		}
	case <-n.shutdown.Done():
	}
	<-n.shutdown.Done()
	return n.shutdown.Err()
}
