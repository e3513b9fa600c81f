package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bridgefall/gamelink/pkg/commons/logger"
	"github.com/bridgefall/gamelink/pkg/server"
	"github.com/bridgefall/gamelink/pkg/tokenapi"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the UDP server and the optional token API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringP("config", "c", "", "path to JSON config file (required)")
	cmd.Flags().String("listen", "", "override listen_addr")
	cmd.Flags().String("log-level", "", "override log_level (error|warn|info|debug)")
	cmd.Flags().String("token-api", "", "override token_api.listen_addr")
	cmd.Flags().Bool("echo", false, "send every user payload back to its sender")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	echo, _ := flags.GetBool("echo")

	overrides := map[string]func(*server.FileConfig){
		"listen":    func(c *server.FileConfig) { c.ListenAddr, _ = flags.GetString("listen") },
		"log-level": func(c *server.FileConfig) { c.LogLevel, _ = flags.GetString("log-level") },
		"token-api": func(c *server.FileConfig) { c.TokenAPI.ListenAddr, _ = flags.GetString("token-api") },
	}
	var apply []func(*server.FileConfig)
	for name, override := range overrides {
		if flags.Changed(name) {
			apply = append(apply, override)
		}
	}
	dep, err := server.LoadConfig(configPath, apply...)
	if err != nil {
		return err
	}
	logger.Setup(dep.Server.LogLevel)

	srv, err := server.Listen(dep.ListenAddr, dep.PublicAddr, dep.Keys.Public, dep.Keys.Secret, dep.Server)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiErr := make(chan error, 1)
	if dep.TokenAPI.ListenAddr != "" {
		api, err := tokenapi.New(tokenapi.Config{
			Endpoints:        []netip.AddrPort{dep.PublicAddr},
			SecretKey:        dep.Keys.Secret,
			TokenTTL:         dep.TokenAPI.TokenTTL.Duration,
			HandshakeTimeout: dep.Server.HandshakeTimeout,
			ClientTimeout:    dep.Server.ClientTimeout,
			RatePerSecond:    dep.TokenAPI.RatePerSecond,
			RateBurst:        dep.TokenAPI.RateBurst,
			MaxConnections:   dep.TokenAPI.MaxConnections,
		})
		if err != nil {
			srv.Stop()
			return err
		}
		if err := api.Registry().Register(srv.Metrics().Collector()); err != nil {
			srv.Stop()
			return fmt.Errorf("register server metrics: %w", err)
		}
		go func() { apiErr <- api.Serve(ctx, dep.TokenAPI.ListenAddr) }()
	}

	loopErr := runLoop(ctx, srv, dep.TickInterval, echo, apiErr)
	if err := srv.Stop(); err != nil && !errors.Is(err, server.ErrStopped) {
		slog.Warn("server stop", "err", err)
	}
	if loopErr != nil {
		return fmt.Errorf("token api: %w", loopErr)
	}
	if dep.TokenAPI.ListenAddr != "" {
		if err := <-apiErr; err != nil {
			return fmt.Errorf("token api: %w", err)
		}
	}
	return nil
}

// runLoop drives srv at the tick interval until ctx is done or the token
// API fails.
func runLoop(ctx context.Context, srv *server.Server, tick time.Duration, echo bool, apiErr <-chan error) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-apiErr:
			if err == nil {
				err = errors.New("stopped unexpectedly")
			}
			return err
		case now := <-ticker.C:
			srv.Update(now.Sub(last))
			last = now
			drainEvents(srv, echo)
		}
	}
}

func drainEvents(srv *server.Server, echo bool) {
	for {
		ev, ok := srv.PollEvent()
		if !ok {
			return
		}
		switch ev.Kind {
		case server.EventNewConnection:
			slog.Info("client connected", "handle", ev.Handle.String(), "client_id", ev.ClientID, "addr", ev.Endpoint.String())
		case server.EventDisconnected:
			slog.Info("client disconnected", "handle", ev.Handle.String())
		case server.EventUserPacket:
			if echo {
				if err := srv.SendToClient(ev.Payload, ev.Handle, false); err != nil {
					slog.Debug("echo failed", "handle", ev.Handle.String(), "err", err)
				}
			}
		}
	}
}
