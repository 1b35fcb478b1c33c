package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/squall-bt/squall/session"
	"github.com/squall-bt/squall/torrent"
	"github.com/urfave/cli/v2"
)

var (
	logger *slog.Logger
)

func handleDownload(ctx *cli.Context) error {
	src := ctx.Args().First()

	if src == "" {
		return fmt.Errorf("missing required argument 'TORRENT_FILE'")
	}

	sesh, err := session.NewSession(session.SessionOpts{
		Logger:       logger,
		ShowProgress: !ctx.Bool("verbose"),
	})

	if err != nil {
		return err
	}

	defer sesh.Stop()

	tr, err := sesh.AddTorrent(src, ctx.String("output-dir"))

	if err != nil {
		return err
	}

	if ctx.Bool("verbose") {
		fmt.Println(tr.Describe())
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-tr.Done():
		logger.Info("download complete", "torrent", tr.Name())

	case <-sigC:
		logger.Info("shutting down")
	}

	return nil
}

func handleInfo(ctx *cli.Context) error {
	src := ctx.Args().First()

	if src == "" {
		return fmt.Errorf("missing required argument 'TORRENT_FILE'")
	}

	tr, err := torrent.NewTorrent(torrent.NewTorrentOpts{
		Logger:    logger,
		OutputDir: os.TempDir(),
		Src:       src,
	})

	if err != nil {
		return err
	}

	defer tr.Stop()
	fmt.Println(tr.Describe())

	return nil
}

var app = &cli.App{
	Name:        "Squall",
	Usage:       "Download all your favourite torrents.",
	Description: "A basic BitTorrent client",
	Before: func(ctx *cli.Context) error {
		logLevel := slog.LevelError

		if ctx.Bool("verbose") {
			logLevel = slog.LevelDebug
		}

		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
		return nil
	},
	Commands: []*cli.Command{
		{
			Name:      "download",
			Usage:     "downloads a single torrent from the user-provided source",
			Action:    handleDownload,
			ArgsUsage: "TORRENT_FILE",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "output-dir",
					Aliases: []string{"o"},
					Usage:   "destination directory where downloaded torrent files will be saved",
					Value:   ".",
				},
			},
		},
		{
			Name:      "info",
			Usage:     "prints a summary of the torrent without downloading it",
			Action:    handleInfo,
			ArgsUsage: "TORRENT_FILE",
		},
	},
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "enable debug logging output for troubleshooting and development",
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
