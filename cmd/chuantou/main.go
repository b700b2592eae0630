package main

import (
	"context"
	"fmt"
	"os"
	gosignal "os/signal"
	"runtime"
	"syscall"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/chuantou/chuantou/logger"
	"github.com/chuantou/chuantou/metrics"
	"github.com/chuantou/chuantou/signal"
)

const (
	configFlag    = "config"
	metricsFlag   = "metrics"
	sentryDSNFlag = "sentry-dsn"
)

// Filled in by the linker at release time.
var (
	Version   = "DEV"
	BuildTime = "unknown"
)

func main() {
	metrics.RegisterBuildInfo(BuildTime, Version)

	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "Print the version",
	}

	app := &cli.App{
		Name:      "chuantou",
		Usage:     "expose local TCP, UDP and HTTP services through a public tunnel server",
		UsageText: "chuantou [global options] command [command options]",
		Version:   fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Flags:     globalFlags(),
		Commands: []*cli.Command{
			serverCommand(),
			clientCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  logger.LogLevelFlag,
			Usage: "application log level (trace, debug, info, warn, error); overrides the config file",
		},
		&cli.StringFlag{
			Name:  logger.LogFileFlag,
			Usage: "write application logs to this file; overrides the config file",
		},
		&cli.StringFlag{
			Name:  logger.LogDirectoryFlag,
			Usage: "write rolling application logs under this directory; overrides the config file",
		},
		&cli.StringFlag{
			Name:  logger.LogFormatFlag,
			Usage: "console output format, pretty or json",
		},
		&cli.StringFlag{
			Name:    sentryDSNFlag,
			Usage:   "report panics to this sentry project",
			EnvVars: []string{"CHUANTOU_SENTRY_DSN"},
		},
	}
}

// buildLogger resolves the effective log settings, command line first, then
// the config file.
func buildLogger(c *cli.Context, cfgLevel, cfgFile, cfgDirectory string) *zerolog.Logger {
	level := c.String(logger.LogLevelFlag)
	if level == "" {
		level = cfgLevel
	}
	file := c.String(logger.LogFileFlag)
	if file == "" {
		file = cfgFile
	}
	directory := c.String(logger.LogDirectoryFlag)
	if directory == "" {
		directory = cfgDirectory
	}
	formatJSON := c.String(logger.LogFormatFlag) == logger.LogFormatJSON
	return logger.Create(logger.CreateConfig(level, logger.EnableTerminalLog, formatJSON, directory, file))
}

func initSentry(c *cli.Context, log *zerolog.Logger) {
	dsn := c.String(sentryDSNFlag)
	if dsn == "" {
		return
	}
	err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: Version})
	if err != nil {
		log.Warn().Err(err).Msg("sentry reporting disabled")
	}
}

func logBuildInfo(log *zerolog.Logger) {
	log.Info().Msgf("Version %s (built %s)", Version, BuildTime)
	log.Info().Msgf("GOOS: %s, GOVersion: %s, GoArch: %s", runtime.GOOS, runtime.Version(), runtime.GOARCH)
}

// signalContext cancels on the first SIGINT or SIGTERM so both roles drain
// gracefully. A second signal forces immediate exit.
func signalContext(log *zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	graceful := signal.New(make(chan struct{}))

	sigC := make(chan os.Signal, 2)
	gosignal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for s := range sigC {
			select {
			case <-graceful.Wait():
				log.Error().Msgf("Received second %v, exiting immediately", s)
				os.Exit(1)
			default:
				log.Info().Msgf("Received %v, shutting down gracefully (send again to force)", s)
				graceful.Notify()
				cancel()
			}
		}
	}()
	return ctx, cancel
}
