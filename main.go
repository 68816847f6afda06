package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"livecall/pkg/config"
	"livecall/pkg/room"
	"livecall/pkg/server"
	"livecall/pkg/utils"
)

// Set via -ldflags at build time.
var version = ""

type options struct {
	configPath string
	bind       string
	port       int
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "livecall",
		Short:         "Signaling relay for browser peer-to-peer video calls",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "configs/config.ini", "config file (.ini or .yaml); empty for defaults")
	flags.StringVar(&opts.bind, "bind", "", "listen address, overrides the config file")
	flags.IntVarP(&opts.port, "port", "p", 0, "listen port, overrides the config file")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "console or json")

	cmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveVersion())
		},
	})
	return cmd
}

func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return config.Config{}, err
	}
	path := opts.configPath
	if !cmd.Flags().Changed("config") {
		// The default file is optional.
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("bind") {
		cfg.General.Bind = opts.bind
	}
	if flags.Changed("port") {
		cfg.General.Port = opts.port
	}
	if flags.Changed("log-level") {
		cfg.General.LogLevel = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.General.LogFormat = opts.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if err := utils.Setup(cfg.General.LogLevel, cfg.General.LogFormat); err != nil {
		return config.Config{}, err
	}
	if path != "" {
		utils.InfoF("loaded config from %s", path)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	rm := room.NewRouter()
	wsServer := server.NewP2PServer(rm.InterHandleWebSocket, server.ConfigFrom(cfg))
	wsServer.SetRoomStats(rm.Rooms)

	utils.InfoF("starting livecall %s on %s (tls=%v)", resolveVersion(), cfg.Addr(), cfg.TLS())
	err := wsServer.Bind(ctx)
	// http.Server.Shutdown does not touch upgraded connections.
	rm.Close()
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	utils.InfoF("shut down")
	return nil
}

func resolveVersion() string {
	if version != "" {
		return version
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return "dev"
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		utils.ErrorF("%v", err)
		os.Exit(1)
	}
}
