package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/openwiki/packsync/errkind"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Sources: cli.EnvVars("PACKSYNC_CONFIG"),
			Value:   "/etc/packsync/config.yaml",
			Usage:   "Absolute path to the config file.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Usage:   "Log level",
		},
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

// setupApp loads the config and wires the application. Every subcommand
// goes through here.
func setupApp(c *cli.Command) (*app, error) {
	if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
		loggerLevel.Set(v)
	}

	conf, err := parseConfigFile(c.String("config"))
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, err, "unable to parse config file")
	}

	return newApp(conf, logger)
}

func main() {
	cmd := &cli.Command{
		Name:  "packsync",
		Usage: "packsync mirrors git content repositories and applies their content packs to a wiki.",
		Flags: flags,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the packsync server.",
				Action: runServe,
			},
			repoCommand(),
			manifestCommand(),
			packCommand(),
			opCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("failed to run app", "err", err)
		os.Exit(errkind.ExitCode(err))
	}
}

func runServe(ctx context.Context, c *cli.Command) error {
	a, err := setupApp(c)
	if err != nil {
		return err
	}
	defer a.close()

	a.enableMetrics(prometheus.DefaultRegisterer)

	if err := a.content.Reconcile(ctx); err != nil {
		logger.Error("unable to reconcile content root", "err", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.runtime.Start(ctx)
	if a.conf.SyncInterval > 0 {
		go a.syncLoop(ctx)
	}

	srv := newServer(a).listen(a.conf.Listen)
	go func() {
		logger.Info("starting http server", "listen", a.conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("unable to shut down http server", "err", err)
	}
	return nil
}
