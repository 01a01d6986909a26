package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/samcharles93/detok/pkg/frame"
)

func benchCmd() *cli.Command {
	var (
		pushTo     string
		pullFrom   string
		rounds     int64
		batchSize  int64
		promptLen  int64
		maxTokenID int64
		ratePerSec float64
		timeout    time.Duration
		shutdown   bool
	)

	flags := append([]cli.Flag{}, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "push-to",
			Usage:       "worker inbound endpoint to push request batches to",
			Value:       "tcp://127.0.0.1:5557",
			Destination: &pushTo,
		},
		&cli.StringFlag{
			Name:        "pull-from",
			Usage:       "worker outbound endpoint to pull response batches from",
			Value:       "tcp://127.0.0.1:5558",
			Destination: &pullFrom,
		},
		&cli.Int64Flag{
			Name:        "rounds",
			Usage:       "number of scheduling rounds to simulate",
			Value:       100,
			Destination: &rounds,
		},
		&cli.Int64Flag{
			Name:        "batch-size",
			Aliases:     []string{"b"},
			Usage:       "concurrent requests per round",
			Value:       8,
			Destination: &batchSize,
		},
		&cli.Int64Flag{
			Name:        "prompt-len",
			Usage:       "prompt token ids per request",
			Value:       16,
			Destination: &promptLen,
		},
		&cli.Int64Flag{
			Name:        "max-token-id",
			Usage:       "upper bound for synthetic token ids",
			Value:       100,
			Destination: &maxTokenID,
		},
		&cli.Float64Flag{
			Name:        "rate",
			Usage:       "rounds per second (0 = unthrottled)",
			Value:       0,
			Destination: &ratePerSec,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "how long to wait for all responses",
			Value:       30 * time.Second,
			Destination: &timeout,
		},
		&cli.BoolFlag{
			Name:        "shutdown",
			Usage:       "send the shutdown sentinel after the run",
			Destination: &shutdown,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Drive a running worker with synthetic request batches",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := stderrLogger()

			push := zmq4.NewPush(ctx)
			defer func() { _ = push.Close() }()
			if err := push.Dial(pushTo); err != nil {
				return cli.Exit(fmt.Sprintf("error: dial %s: %v", pushTo, err), 1)
			}
			pull := zmq4.NewPull(ctx)
			defer func() { _ = pull.Close() }()
			if err := pull.Dial(pullFrom); err != nil {
				return cli.Exit(fmt.Sprintf("error: dial %s: %v", pullFrom, err), 1)
			}

			reqIDs := make([]string, batchSize)
			for i := range reqIDs {
				reqIDs[i] = uuid.NewString()
			}

			// Collect responses concurrently; the worker's outbound
			// channel must never wait on the client.
			type tally struct {
				responses int
				textBytes int
			}
			done := make(chan tally, 1)
			go func() {
				var tl tally
				for tl.responses < int(rounds) {
					msg, err := pull.Recv()
					if err != nil {
						break
					}
					resp, err := frame.DecodeResponse(msg.Bytes())
					if err != nil {
						log.Error("bad response frame", "error", err)
						continue
					}
					tl.responses++
					for i := range resp.ReqIDs {
						tl.textBytes += len(resp.DetokenizedTexts[i])
					}
				}
				done <- tl
			}()

			var limiter *rate.Limiter
			if ratePerSec > 0 {
				limiter = rate.NewLimiter(rate.Limit(ratePerSec), 1)
			}

			log.Info("bench starting", "rounds", rounds, "batch_size", batchSize, "push_to", pushTo)
			start := time.Now()

			for round := int64(0); round < rounds; round++ {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return err
					}
				}
				batch := makeBenchBatch(reqIDs, round, rounds, promptLen, maxTokenID)
				payload, err := batch.Encode()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode batch: %v", err), 1)
				}
				if err := push.Send(zmq4.NewMsg(payload)); err != nil {
					return cli.Exit(fmt.Sprintf("error: push batch: %v", err), 1)
				}
			}
			sendDuration := time.Since(start)

			var tl tally
			select {
			case tl = <-done:
			case <-time.After(timeout):
				return cli.Exit("error: timed out waiting for responses", 1)
			case <-ctx.Done():
				return ctx.Err()
			}
			total := time.Since(start)

			if shutdown {
				if err := push.Send(zmq4.NewMsg(frame.Sentinel())); err != nil {
					log.Warn("failed to send shutdown sentinel", "error", err)
				}
			}

			fmt.Println("=== detokd bench ===")
			fmt.Printf("rounds:          %d\n", rounds)
			fmt.Printf("batch size:      %d\n", batchSize)
			fmt.Printf("responses:       %d\n", tl.responses)
			fmt.Printf("text bytes:      %d\n", tl.textBytes)
			fmt.Printf("send wall time:  %v\n", sendDuration.Round(time.Millisecond))
			fmt.Printf("total wall time: %v\n", total.Round(time.Millisecond))
			if total.Seconds() > 0 {
				fmt.Printf("rounds/sec:      %.1f\n", float64(tl.responses)/total.Seconds())
			}
			return nil
		},
	}
}

// makeBenchBatch builds the round's frame: round 0 carries prompts,
// later rounds add one new id per request, and the final round only
// frees every request (a freed id must not be decoded in the same
// batch).
func makeBenchBatch(reqIDs []string, round, rounds, promptLen, maxTokenID int64) *frame.DecodeRequestBatch {
	if round == rounds-1 {
		return &frame.DecodeRequestBatch{
			ReqIDs:                     []string{},
			PromptTokenIDs:             [][]int{},
			NewTokenIDs:                [][]int{},
			SkipSpecialTokens:          []bool{},
			SpacesBetweenSpecialTokens: []bool{},
			FreeReqIDs:                 append([]string(nil), reqIDs...),
		}
	}

	n := len(reqIDs)
	batch := &frame.DecodeRequestBatch{
		ReqIDs:                     reqIDs,
		PromptTokenIDs:             make([][]int, n),
		NewTokenIDs:                make([][]int, n),
		SkipSpecialTokens:          make([]bool, n),
		SpacesBetweenSpecialTokens: make([]bool, n),
	}
	for i := 0; i < n; i++ {
		if round == 0 {
			prompt := make([]int, promptLen)
			for j := range prompt {
				prompt[j] = rand.IntN(int(maxTokenID))
			}
			batch.PromptTokenIDs[i] = prompt
		} else {
			batch.PromptTokenIDs[i] = []int{}
		}
		batch.NewTokenIDs[i] = []int{rand.IntN(int(maxTokenID))}
	}
	return batch
}
