package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"slimetracker-go/pkg/log"
	"slimetracker-go/pkg/node"
)

var upCommand = &cli.Command{
	Name:      "up",
	Usage:     "starts the tracker",
	UsageText: "tracker up [--config FILE] [overrides...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "config file `PATH` or name searched in ., /etc/slimetracker and ~/.slimetracker",
		},
		&cli.IntFlag{Name: "port", Usage: "local UDP `PORT`"},
		&cli.IntFlag{Name: "sensors", Usage: "number of emulated sensors"},
		&cli.DurationFlag{Name: "timeout", Usage: "session inactivity timeout"},
		&cli.StringFlag{Name: "capture", Usage: "record traffic to a zstd capture `FILE`"},
		&cli.StringFlag{Name: "api", Usage: "status API listen `ADDR`, empty to disable"},
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "log packet dumps"},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "only log to the database"},
	},
	Action: upCmd,
}

func applyOverrides(c *cli.Context, cfg *node.Config) {
	if c.IsSet("port") {
		cfg.LocalPort = c.Int("port")
	}
	if c.IsSet("sensors") {
		cfg.SensorCount = c.Int("sensors")
	}
	if c.IsSet("timeout") {
		cfg.Timeout = c.Duration("timeout")
	}
	if c.IsSet("capture") {
		cfg.CaptureFile = c.String("capture")
	}
	if c.IsSet("api") {
		cfg.APIListenAddr = c.String("api")
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
}

func upCmd(c *cli.Context) error {
	cfg, err := node.LoadConfig(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	applyOverrides(c, cfg)
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if err := log.Init(cfg.LogDB, !c.Bool("quiet")); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer log.Close()
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	log.SetLevel(level)
	log.Info().Str("version", Version).Str("node", cfg.NodeID).Int("port", cfg.LocalPort).Msg("starting tracker")

	n, err := node.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to create tracker node")
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := n.Run(ctx); err != nil {
		log.Error().Err(err).Msg("tracker stopped with error")
		return cli.Exit(err.Error(), 1)
	}
	log.Info().Msg("tracker has been shut down")
	return nil
}
