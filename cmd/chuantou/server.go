package main

import (
	"net"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/chuantou/chuantou/config"
	"github.com/chuantou/chuantou/metrics"
	"github.com/chuantou/chuantou/server"
)

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "run the public tunnel server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlag,
				Aliases: []string{"c"},
				Usage:   "path to the server YAML configuration",
			},
			&cli.StringFlag{
				Name:  metricsFlag,
				Usage: "bind the metrics and status API to this address; overrides the config file",
			},
		},
		Action: runServer,
	}
}

func runServer(c *cli.Context) error {
	path := c.String(configFlag)
	if path == "" {
		path = config.FindDefaultConfigPath(config.DefaultServerConfigFiles)
	}
	cfg, err := config.ReadServerConfig(path)
	if err != nil {
		return err
	}
	log := buildLogger(c, cfg.LogLevel, cfg.LogFile, cfg.LogDirectory)
	initSentry(c, log)
	logBuildInfo(log)

	ctx, cancel := signalContext(log)
	defer cancel()

	ready := metrics.NewReadyServer()
	srv, err := server.New(cfg, ready, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	metricsAddr := c.String(metricsFlag)
	if metricsAddr == "" {
		metricsAddr = cfg.MetricsAddr
	}
	if metricsAddr != "" {
		metricsListener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return errors.Wrapf(err, "bind metrics address %s", metricsAddr)
		}
		g.Go(func() error {
			return metrics.ServeMetrics(metricsListener, gctx, metrics.Config{
				ReadyServer: ready,
				Broker:      srv.Broker(),
			}, log)
		})
	}
	g.Go(func() error {
		return srv.Run(gctx)
	})
	return g.Wait()
}
