// Command castkeep runs the podcast engine: feed refresh, downloads,
// playback, and remote sync. The interactive surface attaches through the
// controller's catalogs and inbox; this binary wires the collaborators
// together and can also run a one-shot headless refresh.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/csams/castkeep/internal/app"
	"github.com/csams/castkeep/internal/config"
	"github.com/csams/castkeep/internal/db"
	"github.com/csams/castkeep/internal/gpodder"
	"github.com/csams/castkeep/internal/player"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "castkeep",
	})

	cmd := &cli.Command{
		Name:  "castkeep",
		Usage: "manage, download, and play podcasts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the config file",
				Value:   config.DefaultPath(),
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			if c.Bool("verbose") {
				logger.SetLevel(log.DebugLevel)
			}
			return ctx, nil
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return run(c.String("config"), logger)
		},
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "refresh all feeds once and exit",
				Action: func(ctx context.Context, c *cli.Command) error {
					return headlessSync(c.String("config"), logger)
				},
			},
			{
				Name:      "add",
				Usage:     "subscribe to a feed url and exit",
				ArgsUsage: "<url>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("expected exactly one feed url")
					}
					return headlessAdd(c.String("config"), c.Args().First(), logger)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Fatal(err.Error())
	}
}

// engine bundles everything run and the headless commands share.
type engine struct {
	cfg    config.Config
	store  *db.DB
	app    *app.App
	pl     *player.Player
	runner *gpodder.Runner
}

func setup(configPath string, notify func(app.Notification), startPlayer bool, logger *log.Logger) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	store, err := db.Connect(cfg.DataPath)
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, store: store}

	e.pl = player.New(logger)
	if startPlayer {
		if err := e.pl.Start(); err != nil {
			store.Close()
			return nil, err
		}
	}

	var syncer app.Syncer
	if cfg.Sync.Enabled {
		timestamp := int64(0)
		if stored, err := store.GetParam(app.SyncTimestampKey); err == nil && stored != "" {
			if ts, err := strconv.ParseInt(stored, 10, 64); err == nil {
				timestamp = ts
			}
		}
		client := gpodder.New(gpodder.Config{
			Server:     cfg.Sync.Server,
			Username:   cfg.Sync.Username,
			Password:   cfg.Sync.Password,
			DeviceID:   cfg.Sync.DeviceID,
			MaxRetries: cfg.MaxRetries,
		}, timestamp, logger)
		e.runner = gpodder.NewRunner(client, logger)
		syncer = e.runner
	}

	e.app, err = app.New(cfg, store, e.pl, syncer, notify, logger)
	if err != nil {
		e.teardown(startPlayer)
		return nil, err
	}

	if e.runner != nil {
		e.runner.Start(e.app.Post)
	}
	return e, nil
}

func (e *engine) teardown(stopPlayer bool) {
	if e.runner != nil {
		e.runner.Stop()
	}
	if stopPlayer && e.pl != nil {
		e.pl.Stop()
	}
	e.store.Close()
}

func run(configPath string, logger *log.Logger) error {
	notify := func(n app.Notification) {
		if n.Clear {
			return
		}
		if n.Error {
			logger.Error(n.Text)
			return
		}
		logger.Info(n.Text)
	}

	e, err := setup(configPath, notify, true, logger)
	if err != nil {
		return err
	}
	defer e.teardown(true)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		e.app.Post(app.Quit{})
	}()

	logger.Info("engine running", "podcasts", e.app.Podcasts.Len(false))
	e.app.Run()
	return nil
}

// headlessSync refreshes every feed once, waiting for the pass summary
// before shutting down.
func headlessSync(configPath string, logger *log.Logger) error {
	var e *engine
	notify := func(n app.Notification) {
		if n.Clear {
			return
		}
		if n.Error {
			logger.Error(n.Text)
		} else {
			logger.Info(n.Text)
		}
		if strings.HasPrefix(n.Text, "Sync complete") {
			e.app.Post(app.Quit{})
		}
	}

	e, err := setup(configPath, notify, false, logger)
	if err != nil {
		return err
	}
	defer e.teardown(false)

	if e.app.Podcasts.IsEmpty() {
		logger.Info("no subscriptions to refresh")
		return nil
	}

	e.app.Post(app.SyncAll{})
	e.app.Run()
	return nil
}

// headlessAdd subscribes to one feed and exits once it has been fetched
// and stored.
func headlessAdd(configPath, url string, logger *log.Logger) error {
	var e *engine
	notify := func(n app.Notification) {
		if n.Clear {
			return
		}
		if n.Error {
			logger.Error(n.Text)
		} else {
			logger.Info(n.Text)
		}
		if strings.HasPrefix(n.Text, "Added ") || strings.HasPrefix(n.Text, "Could not") {
			e.app.Post(app.Quit{})
		}
	}

	e, err := setup(configPath, notify, false, logger)
	if err != nil {
		return err
	}
	defer e.teardown(false)

	e.app.Post(app.AddFeed{URL: url})
	e.app.Run()
	return nil
}
