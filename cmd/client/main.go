package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"duochat/internal/config"
	"duochat/internal/service/api"
	"duochat/internal/service/app"
	"duochat/internal/service/session"
	"duochat/internal/utils/log"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

type flags struct {
	configPath string
	envFile    string
	logLevel   string
	logFile    string
	serverURL  string
}

func main() {
	f := &flags{}

	cmd := &cli.Command{
		Name:  "duochat",
		Usage: "Terminal client for two-party chat",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to a YAML config file",
				Sources:     cli.EnvVars("DUOCHAT_CLIENT_CONFIG"),
				Value:       filepath.Join(config.DefaultDataDir(), "config.yaml"),
				Destination: &f.configPath,
			},
			&cli.StringFlag{
				Name:        "env-file",
				Usage:       "path to a .env file",
				Value:       ".env",
				Destination: &f.envFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("DUOCHAT_LOG_LEVEL"),
				Value:       "info",
				Destination: &f.logLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file, defaults to client.log in the data dir",
				Sources:     cli.EnvVars("DUOCHAT_LOG_FILE"),
				Destination: &f.logFile,
			},
			&cli.StringFlag{
				Name:        "server",
				Usage:       "server URL, overrides the config file",
				Destination: &f.serverURL,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return run(ctx, f)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		log.Sync()
		os.Exit(1)
	}
	log.Sync()
}

func run(ctx context.Context, f *flags) error {
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return err
	}

	cfg, err := config.LoadClient(f.configPath)
	if err != nil {
		return err
	}
	if f.serverURL != "" {
		cfg.ServerURL = f.serverURL
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	// the terminal belongs to the UI, so logs always go to a file
	logFile := f.logFile
	if logFile == "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		logFile = filepath.Join(cfg.DataDir, "client.log")
	}
	if err := log.Init(f.logLevel, logFile); err != nil {
		return err
	}

	sessions := session.NewManager(session.NewFileStore(cfg.SessionFile()), nil)
	client, err := api.NewClient(cfg.ServerURL, sessions, cfg.RequestTimeout)
	if err != nil {
		return err
	}

	log.Info("starting client", zap.String("server", cfg.ServerURL))
	a := app.NewApp(client, sessions)
	defer a.Stop()
	return a.Run(ctx)
}
