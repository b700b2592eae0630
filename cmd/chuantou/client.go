package main

import (
	"context"
	"net"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/chuantou/chuantou/client"
	"github.com/chuantou/chuantou/config"
	"github.com/chuantou/chuantou/metrics"
	"github.com/chuantou/chuantou/watcher"
)

const (
	watchFlag        = "watch"
	debugTrafficFlag = "debug-traffic"
)

func clientCommand() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "connect to a tunnel server and expose local services",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlag,
				Aliases: []string{"c"},
				Usage:   "path to the client YAML configuration",
			},
			&cli.StringFlag{
				Name:  metricsFlag,
				Usage: "bind the metrics endpoint to this address; overrides the config file",
			},
			&cli.BoolFlag{
				Name:  watchFlag,
				Usage: "watch the config file and apply proxy rule changes live",
			},
			&cli.Uint64Flag{
				Name:  debugTrafficFlag,
				Usage: "log the first N payload events of each proxied stream at debug level",
			},
		},
		Action: runClient,
	}
}

func runClient(c *cli.Context) error {
	path := c.String(configFlag)
	if path == "" {
		path = config.FindDefaultConfigPath(config.DefaultClientConfigFiles)
	}
	cfg, err := config.ReadClientConfig(path)
	if err != nil {
		return err
	}
	if n := c.Uint64(debugTrafficFlag); n > 0 {
		cfg.DebugTraffic = n
	}
	log := buildLogger(c, cfg.LogLevel, cfg.LogFile, cfg.LogDirectory)
	initSentry(c, log)
	logBuildInfo(log)

	ctx, cancel := signalContext(log)
	defer cancel()

	cl, err := client.New(cfg, log)
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
			return metrics.ServeMetrics(metricsListener, gctx, metrics.Config{}, log)
		})
	}
	if c.Bool(watchFlag) {
		if err := watchClientConfig(gctx, g, path, cl, log); err != nil {
			return err
		}
	}
	g.Go(func() error {
		return cl.Run(gctx)
	})
	return g.Wait()
}

// watchClientConfig reloads proxy rules when the config file changes on
// disk. Bad edits are logged and skipped; the last good rule set stays live.
func watchClientConfig(ctx context.Context, g *errgroup.Group, path string, cl *client.Client, log *zerolog.Logger) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return errors.Wrapf(err, "expand config path %s", path)
	}
	fileWatcher, err := watcher.NewFile()
	if err != nil {
		return errors.Wrap(err, "start config watcher")
	}
	manager, err := config.NewFileManager(fileWatcher, expanded, log)
	if err != nil {
		return errors.Wrapf(err, "watch config file %s", expanded)
	}
	if err := manager.Start(&configNotifier{ctx: ctx, client: cl}); err != nil {
		return errors.Wrap(err, "start config manager")
	}
	g.Go(func() error {
		<-ctx.Done()
		manager.Shutdown()
		return nil
	})
	log.Info().Str("path", expanded).Msg("watching config file for proxy changes")
	return nil
}

// configNotifier feeds reloaded configs into the running client.
type configNotifier struct {
	ctx    context.Context
	client *client.Client
}

func (n *configNotifier) ConfigDidUpdate(cfg *config.ClientConfig) {
	n.client.ConfigDidUpdate(n.ctx, cfg.Proxies)
}
