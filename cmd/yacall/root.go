package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/loopback"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/adapter/driven/network"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 5 * time.Second

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "yacall",
		Short:         "Peer-to-peer video calls between devices on the same network",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCall,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "yacall.yaml", "Path to the YAML config file")
	flags.String("relay", "", "Message relay URL")
	flags.String("listen", "", "Address the control API listens on")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("network", "", "Network descriptor; skips probing when set")
	flags.String("media", "", "Media driver (pion, loopback)")
	cmd.Flags().String("id", "", "Caller ID to register with; random when empty")

	cmd.AddCommand(newDevicesCmd())
	return cmd
}

func setupLogger(level zerolog.Level) {
	w := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
	zerolog.SetGlobalLevel(level)
}

// loadConfig reads the config file and lets explicitly set flags win.
func loadConfig(flags *pflag.FlagSet) (config.Config, string, error) {
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, "", err
	}
	overrides := map[string]*string{
		"relay":     &cfg.Relay.URL,
		"listen":    &cfg.HTTP.Listen,
		"log-level": &cfg.Log.Level,
		"network":   &cfg.Network.Descriptor,
		"media":     &cfg.Media.Driver,
	}
	for name, field := range overrides {
		if flags.Changed(name) {
			*field, _ = flags.GetString(name)
		}
	}
	return cfg, path, cfg.Validate()
}

type mediaStack struct {
	capture port.MediaCapture
	engines port.EngineFactory
}

func buildMedia(cfg config.Config) (mediaStack, error) {
	if cfg.Media.Driver == config.MediaLoopback {
		return mediaStack{capture: loopback.NewCapture(), engines: loopback.NewEngineFactory()}, nil
	}

	capture, err := pion.NewCapture(cfg.Media.VideoBitRate)
	if err != nil {
		return mediaStack{}, fmt.Errorf("media capture: %w", err)
	}
	engines, err := pion.NewEngineFactory(pion.Config{
		ICEServers:          cfg.ICE.Servers,
		DisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		FailedTimeout:       cfg.ICE.FailedTimeout,
		KeepAlive:           cfg.ICE.KeepAlive,
	}, capture.Codecs())
	if err != nil {
		return mediaStack{}, fmt.Errorf("negotiation engine: %w", err)
	}
	return mediaStack{capture: capture, engines: engines}, nil
}

func callerID(flags *pflag.FlagSet) (domain.CallerID, error) {
	if s, _ := flags.GetString("id"); s != "" {
		id := domain.CallerID(s)
		if !id.Valid() {
			return "", fmt.Errorf("--id %q must be %d digits", s, domain.CallerIDLength)
		}
		return id, nil
	}
	return domain.NewCallerID()
}

func runCall(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	setupLogger(cfg.LogLevel())

	localID, err := callerID(cmd.Flags())
	if err != nil {
		return err
	}
	media, err := buildMedia(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := ws.NewClient(cfg.Relay.URL, localID, ws.Options{WriteTimeout: cfg.Relay.WriteTimeout})
	if err := relay.Connect(ctx); err != nil {
		return err
	}

	opts := service.DefaultOptions()
	opts.Constraints = cfg.Constraints()
	probe := network.NewProbe(cfg.Network.Descriptor, cfg.Network.TTL)
	calls := service.NewCallService(localID, relay, media.capture, media.engines, probe, opts)

	// The relay outlives ctx so the END_CALL of a call cut short by
	// shutdown still goes out.
	relayDone := make(chan error, 1)
	go func() { relayDone <- relay.Run(context.WithoutCancel(ctx)) }()
	serviceDone := make(chan struct{})
	go func() {
		calls.Run(ctx)
		close(serviceDone)
	}()
	go func() {
		err := config.Watch(ctx, path, func(c config.Config) {
			zerolog.SetGlobalLevel(c.LogLevel())
		})
		if err != nil {
			log.Debug().Err(err).Msg("Config hot reload disabled")
		}
	}()

	srv := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: handler.NewHandler(calls, cfg.HTTP.StaticDir).NewRouter(),
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Listen).Str("caller_id", localID.String()).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-relayDone:
		runErr = fmt.Errorf("relay connection lost: %w", err)
		if err == nil {
			runErr = errors.New("relay connection closed")
		}
		relayDone = nil
	}
	stop()
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	<-serviceDone
	relay.Close()
	if relayDone != nil {
		<-relayDone
	}
	log.Info().Msg("yacall exited")
	return runErr
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List cameras and microphones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			setupLogger(cfg.LogLevel())
			media, err := buildMedia(cfg)
			if err != nil {
				return err
			}
			devices, err := media.capture.EnumerateDevices(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range devices {
				facing := ""
				if d.Kind == port.DeviceVideoInput {
					facing = string(d.Facing)
				}
				fmt.Fprintf(out, "%-12s %-12s %-30s %s\n", d.Kind, facing, d.ID, d.Label)
			}
			return nil
		},
	}
}
