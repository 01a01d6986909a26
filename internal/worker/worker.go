// Package worker runs the detokenization loop: pull a request batch,
// apply evictions, advance each request in order, push the response.
// Strictly sequential; one frame is fully processed before the next is
// pulled, so the registry needs no locking.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/detok/internal/detok"
	"github.com/samcharles93/detok/internal/logger"
	"github.com/samcharles93/detok/internal/vocab"
	"github.com/samcharles93/detok/pkg/frame"
)

const (
	defaultSendRetries = 3
	defaultSendBackoff = 10 * time.Millisecond
)

// Config carries the loop's tunables. Zero values get defaults.
type Config struct {
	Logger logger.Logger

	// SendRetries is how many times a failed outbound send is retried
	// before the response is dropped and reported.
	SendRetries int
	// SendBackoff is the initial retry delay; it doubles per attempt.
	SendBackoff time.Duration
}

// Worker multiplexes many concurrent generation requests through one
// sequential loop.
type Worker struct {
	log      logger.Logger
	registry *detok.Registry
	dec      detok.Incremental
	recv     Receiver
	send     Sender

	sendRetries int
	sendBackoff time.Duration

	stats Stats
}

func New(v vocab.Decoder, recv Receiver, send Sender, cfg Config) *Worker {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	retries := cfg.SendRetries
	if retries <= 0 {
		retries = defaultSendRetries
	}
	backoff := cfg.SendBackoff
	if backoff <= 0 {
		backoff = defaultSendBackoff
	}
	return &Worker{
		log:         log.With("component", "worker"),
		registry:    detok.NewRegistry(v),
		dec:         detok.Incremental{Vocab: v},
		recv:        recv,
		send:        send,
		sendRetries: retries,
		sendBackoff: backoff,
	}
}

// Stats exposes the loop counters for the monitor endpoint.
func (w *Worker) Stats() *Stats { return &w.stats }

// Run blocks processing frames until the shutdown sentinel arrives or the
// context is canceled. The sentinel produces no response and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker loop started")
	for {
		payload, err := w.recv.Recv()
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("worker loop stopped", "reason", "context canceled")
				return ctx.Err()
			}
			return fmt.Errorf("recv inbound frame: %w", err)
		}
		if frame.IsSentinel(payload) {
			w.log.Info("worker loop stopped", "reason", "shutdown sentinel")
			return nil
		}

		batch, err := frame.DecodeRequest(payload)
		if err != nil {
			// Dropping silently would desynchronize the engine's
			// bookkeeping, so the drop itself is loud.
			w.stats.ProtocolErrors.Add(1)
			w.log.Error("dropping malformed inbound frame", "error", err)
			continue
		}

		w.reply(w.process(batch))
	}
}

// process applies a batch against the registry. Failures are isolated to
// the offending request: its slot reports no text and whatever count is
// known, and the rest of the batch proceeds.
func (w *Worker) process(batch *frame.DecodeRequestBatch) *frame.DecodeResponseBatch {
	w.stats.Batches.Add(1)

	for _, id := range batch.FreeReqIDs {
		if err := w.registry.Evict(id); err != nil {
			w.stats.UnknownReqs.Add(1)
			w.log.Warn("eviction for unknown request", "req_id", id)
			continue
		}
		w.stats.Evictions.Add(1)
	}

	n := len(batch.ReqIDs)
	texts := make([]string, n)
	counts := make([]int, n)

	for i := 0; i < n; i++ {
		id := batch.ReqIDs[i]
		w.stats.Requests.Add(1)

		if !w.registry.Has(id) {
			if len(batch.PromptTokenIDs[i]) == 0 {
				w.stats.UnknownReqs.Add(1)
				w.log.Error("decode for unknown request", "req_id", id)
				continue
			}
			if err := w.registry.Register(id, batch.PromptTokenIDs[i],
				batch.SkipSpecialTokens[i], batch.SpacesBetweenSpecialTokens[i]); err != nil {
				w.stats.DecodeErrors.Add(1)
				w.log.Error("register request", "req_id", id, "error", err)
				continue
			}
		}

		st, err := w.registry.Lookup(id)
		if err != nil {
			w.stats.UnknownReqs.Add(1)
			w.log.Error("lookup request", "req_id", id, "error", err)
			continue
		}

		text, err := w.dec.Advance(st, batch.NewTokenIDs[i])
		if err != nil {
			w.stats.DecodeErrors.Add(1)
			w.log.Error("decode step failed", "req_id", id, "error", err)
		}
		texts[i] = text
		counts[i] = st.NumOutputTokens()
	}

	w.stats.LiveRequests.Store(int64(w.registry.Len()))

	return &frame.DecodeResponseBatch{
		ReqIDs:            batch.ReqIDs,
		DetokenizedTexts:  texts,
		NumOutputTokenIDs: counts,
	}
}

// reply encodes and sends the response with bounded retry. After the
// retry budget the response is dropped and the drop is reported; the
// engine reconciles via num_output_token_ids on the next batch.
func (w *Worker) reply(resp *frame.DecodeResponseBatch) {
	payload, err := resp.Encode()
	if err != nil {
		w.stats.ProtocolErrors.Add(1)
		w.log.Error("encode response frame", "error", err)
		return
	}

	backoff := w.sendBackoff
	for attempt := 0; ; attempt++ {
		err = w.send.Send(payload)
		if err == nil {
			return
		}
		if attempt >= w.sendRetries {
			w.stats.SendFailures.Add(1)
			w.log.Error("dropping response after send retries",
				"attempts", attempt+1, "error", err)
			return
		}
		w.stats.SendRetries.Add(1)
		w.log.Warn("outbound send failed, backing off",
			"attempt", attempt+1, "backoff", backoff, "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
}
