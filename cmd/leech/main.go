package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/go-leech/leech/engine"
)

func main() {
	app := kingpin.New("leech", "Downloads a single torrent and exits once complete.")

	torrentPath := app.Arg("torrent", "Path to a .torrent file").Required().String()
	outputDir := app.Flag("output", "Directory to write downloaded files into").Short('o').Default("").String()
	configPath := app.Flag("config", "Path to an optional YAML config file").Short('c').Default("").String()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := newLogger()
	defer logger.Sync()

	var config engine.Config
	if *configPath != "" {
		var err error
		config, err = engine.LoadConfig(*configPath)
		if err != nil {
			logger.Fatalf("leech: %v", err)
		}
	}

	e, err := engine.New(*torrentPath, *outputDir, config, tally.NoopScope, logger)
	if err != nil {
		logger.Fatalf("leech: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	go func() {
		<-sigc
		logger.Info("leech: received interrupt, shutting down")
		cancel()
	}()

	start := time.Now()
	if err := e.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatalf("leech: download failed: %v", err)
	}

	// An interrupted run exits 0 like a completed one; only unrecoverable
	// errors exit nonzero.
	downloaded, total := e.Progress()
	logger.Infof("leech: downloaded %d/%d bytes in %s, complete=%v",
		downloaded, total, time.Since(start).Round(time.Second), e.Complete())
}

func newLogger() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}
