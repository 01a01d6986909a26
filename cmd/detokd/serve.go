package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/detok/internal/logger"
	"github.com/samcharles93/detok/internal/monitor"
	"github.com/samcharles93/detok/internal/vocab"
	"github.com/samcharles93/detok/internal/worker"
)

func serveCmd() *cli.Command {
	flags := append(channelFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "monitor-addr",
			Usage:       "optional HTTP address for /healthz and /stats",
			Destination: &monitorAddr,
		},
		&cli.Int64Flag{
			Name:        "send-retries",
			Usage:       "outbound send retries before a response is dropped",
			Value:       3,
			Destination: &sendRetries,
		},
		&cli.DurationFlag{
			Name:        "send-timeout",
			Usage:       "per-attempt outbound send timeout",
			Value:       time.Second,
			Destination: &sendTimeout,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the detokenizer worker loop",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load config: %v", err), 1)
			}
			if err := applyServeConfig(cmd, cfg); err != nil {
				return cli.Exit(fmt.Sprintf("error: apply config: %v", err), 1)
			}

			log := stderrLogger()
			ctx = logger.WithContext(ctx, log)

			if tokenizerJSONPath == "" {
				return cli.Exit("error: --tokenizer-json is required", 1)
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("loading vocabulary", "path", tokenizerJSONPath)
			voc, err := vocab.Load(tokenizerJSONPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load tokenizer: %v", err), 1)
			}
			log.Info("vocabulary loaded", "size", voc.VocabSize())

			recv, err := worker.ListenPull(ctx, pullAddr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = recv.Close() }()

			send, err := worker.ListenPush(ctx, pushAddr, sendTimeout)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = send.Close() }()

			w := worker.New(voc, recv, send, worker.Config{
				Logger:      log,
				SendRetries: int(sendRetries),
			})

			if monitorAddr != "" {
				go func() {
					if err := monitor.Start(ctx, monitorAddr, w.Stats()); err != nil &&
						!errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
						log.Error("monitor endpoint failed", "error", err)
					}
				}()
				log.Info("monitor endpoint listening", "address", monitorAddr)
			}

			log.Info("detokenizer serving", "pull", pullAddr, "push", pushAddr)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return cli.Exit(fmt.Sprintf("error: worker loop: %v", err), 1)
			}
			log.Info("detokenizer stopped", "stats", fmt.Sprintf("%+v", w.Stats().Snapshot()))
			return nil
		},
	}
}
