package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/samcharles93/detok/internal/logger"
	"github.com/samcharles93/detok/pkg/frame"
)

// fakeVocab decodes every id to "<id>" immediately.
type fakeVocab struct {
	failIDs map[int]bool
}

func (f fakeVocab) TokenizePrompt(ids []int, _ bool) ([]string, int, int, error) {
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		tokens = append(tokens, fmt.Sprintf("<%d>", id))
	}
	return tokens, 0, len(tokens), nil
}

func (f fakeVocab) DecodeStep(allIDs []int, _ []string, prefixOffset, readOffset int, _, _ bool) ([]string, string, int, int, error) {
	id := allIDs[len(allIDs)-1]
	if f.failIDs[id] {
		return nil, "", prefixOffset, readOffset, fmt.Errorf("no decode rule for id %d", id)
	}
	tok := fmt.Sprintf("<%d>", id)
	return []string{tok}, tok, readOffset, readOffset + 1, nil
}

type chanReceiver struct {
	ch chan []byte
}

func (r *chanReceiver) Recv() ([]byte, error) {
	payload, ok := <-r.ch
	if !ok {
		return nil, errors.New("receiver closed")
	}
	return payload, nil
}

func (r *chanReceiver) Close() error { return nil }

type captureSender struct {
	frames    [][]byte
	failFirst int
	alwaysErr bool
}

func (s *captureSender) Send(payload []byte) error {
	if s.alwaysErr {
		return errors.New("channel saturated")
	}
	if s.failFirst > 0 {
		s.failFirst--
		return errors.New("channel saturated")
	}
	s.frames = append(s.frames, append([]byte(nil), payload...))
	return nil
}

func (s *captureSender) Close() error { return nil }

func testLogger() logger.Logger {
	return logger.Text(io.Discard, slog.LevelError+4)
}

func encodeBatch(t *testing.T, reqIDs []string, prompts, newIDs [][]int, free []string) []byte {
	t.Helper()
	n := len(reqIDs)
	b := &frame.DecodeRequestBatch{
		ReqIDs:                     reqIDs,
		PromptTokenIDs:             prompts,
		NewTokenIDs:                newIDs,
		SkipSpecialTokens:          make([]bool, n),
		SpacesBetweenSpecialTokens: make([]bool, n),
		FreeReqIDs:                 free,
	}
	payload, err := b.Encode()
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	return payload
}

// runWorker feeds the frames followed by the shutdown sentinel and waits
// for the loop to drain them.
func runWorker(t *testing.T, v fakeVocab, send *captureSender, frames ...[]byte) *Worker {
	t.Helper()
	ch := make(chan []byte, len(frames)+1)
	for _, f := range frames {
		ch <- f
	}
	ch <- frame.Sentinel()

	w := New(v, &chanReceiver{ch: ch}, send, Config{
		Logger:      testLogger(),
		SendBackoff: time.Millisecond,
	})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return w
}

func decodeResponses(t *testing.T, send *captureSender) []*frame.DecodeResponseBatch {
	t.Helper()
	out := make([]*frame.DecodeResponseBatch, 0, len(send.frames))
	for _, payload := range send.frames {
		resp, err := frame.DecodeResponse(payload)
		if err != nil {
			t.Fatalf("decode response: %v", err)
		}
		out = append(out, resp)
	}
	return out
}

func TestRegisterAndDecodeScenario(t *testing.T) {
	send := &captureSender{}
	w := runWorker(t, fakeVocab{}, send,
		encodeBatch(t, []string{"r1"}, [][]int{{1, 2, 3}}, [][]int{{4}}, nil),
	)

	resps := decodeResponses(t, send)
	if len(resps) != 1 {
		t.Fatalf("expected 1 response, got %d", len(resps))
	}
	resp := resps[0]
	if resp.DetokenizedTexts[0] != "<4>" {
		t.Fatalf("expected increment %q, got %q", "<4>", resp.DetokenizedTexts[0])
	}
	if resp.NumOutputTokenIDs[0] != 1 {
		t.Fatalf("expected 1 output token, got %d", resp.NumOutputTokenIDs[0])
	}
	if got := w.Stats().Snapshot(); got.Batches != 1 || got.Requests != 1 || got.LiveRequests != 1 {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func TestOrderPreservation(t *testing.T) {
	cases := []struct {
		name   string
		reqIDs []string
	}{
		{name: "empty", reqIDs: []string{}},
		{name: "single", reqIDs: []string{"a"}},
		{name: "many", reqIDs: []string{"c", "a", "b", "z"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prompts := make([][]int, len(tc.reqIDs))
			newIDs := make([][]int, len(tc.reqIDs))
			for i := range tc.reqIDs {
				prompts[i] = []int{i + 1}
				newIDs[i] = []int{i + 100}
			}

			send := &captureSender{}
			runWorker(t, fakeVocab{}, send, encodeBatch(t, tc.reqIDs, prompts, newIDs, nil))

			resps := decodeResponses(t, send)
			if len(resps) != 1 {
				t.Fatalf("expected 1 response, got %d", len(resps))
			}
			if len(resps[0].ReqIDs) != len(tc.reqIDs) {
				t.Fatalf("expected %d entries, got %d", len(tc.reqIDs), len(resps[0].ReqIDs))
			}
			for i, id := range tc.reqIDs {
				if resps[0].ReqIDs[i] != id {
					t.Fatalf("response order diverged at %d: %v vs %v", i, resps[0].ReqIDs, tc.reqIDs)
				}
			}
		})
	}
}

func TestCountsAccumulateAcrossBatches(t *testing.T) {
	send := &captureSender{}
	runWorker(t, fakeVocab{}, send,
		encodeBatch(t, []string{"r1"}, [][]int{{1}}, [][]int{{2, 3}}, nil),
		encodeBatch(t, []string{"r1"}, [][]int{{}}, [][]int{{4}}, nil),
	)

	resps := decodeResponses(t, send)
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	if resps[0].NumOutputTokenIDs[0] != 2 {
		t.Fatalf("expected 2 output tokens after first batch, got %d", resps[0].NumOutputTokenIDs[0])
	}
	if resps[1].NumOutputTokenIDs[0] != 3 {
		t.Fatalf("expected 3 output tokens after second batch, got %d", resps[1].NumOutputTokenIDs[0])
	}
	if resps[1].DetokenizedTexts[0] != "<4>" {
		t.Fatalf("expected increment %q, got %q", "<4>", resps[1].DetokenizedTexts[0])
	}
}

func TestEvictionThenUnknownRequestIsolated(t *testing.T) {
	send := &captureSender{}
	w := runWorker(t, fakeVocab{}, send,
		encodeBatch(t, []string{"r1", "r2"}, [][]int{{1}, {2}}, [][]int{{3}, {4}}, nil),
		// r1 freed by a batch that does not otherwise reference it.
		encodeBatch(t, []string{"r2"}, [][]int{{}}, [][]int{{5}}, []string{"r1"}),
		// r1 reappears without prompt ids: unknown, isolated to its slot.
		encodeBatch(t, []string{"r1", "r2"}, [][]int{{}, {}}, [][]int{{6}, {7}}, nil),
	)

	resps := decodeResponses(t, send)
	if len(resps) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(resps))
	}
	last := resps[2]
	if last.DetokenizedTexts[0] != "" || last.NumOutputTokenIDs[0] != 0 {
		t.Fatalf("expected empty slot for unknown r1, got %q/%d",
			last.DetokenizedTexts[0], last.NumOutputTokenIDs[0])
	}
	// r2 is unaffected by r1's failure.
	if last.DetokenizedTexts[1] != "<7>" || last.NumOutputTokenIDs[1] != 3 {
		t.Fatalf("expected r2 to continue, got %q/%d",
			last.DetokenizedTexts[1], last.NumOutputTokenIDs[1])
	}

	stats := w.Stats().Snapshot()
	if stats.Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", stats.Evictions)
	}
	if stats.UnknownReqs != 1 {
		t.Fatalf("expected 1 unknown request, got %d", stats.UnknownReqs)
	}
}

func TestEvictUnknownIsReportedNotFatal(t *testing.T) {
	send := &captureSender{}
	w := runWorker(t, fakeVocab{}, send,
		encodeBatch(t, []string{"r1"}, [][]int{{1}}, [][]int{{2}}, []string{"ghost"}),
	)

	resps := decodeResponses(t, send)
	if len(resps) != 1 || resps[0].DetokenizedTexts[0] != "<2>" {
		t.Fatalf("batch should proceed past unknown eviction, got %+v", resps)
	}
	if got := w.Stats().Snapshot().UnknownReqs; got != 1 {
		t.Fatalf("expected unknown eviction counted, got %d", got)
	}
}

func TestDecodeErrorIsolatedToRequest(t *testing.T) {
	v := fakeVocab{failIDs: map[int]bool{99: true}}
	send := &captureSender{}
	w := runWorker(t, v, send,
		encodeBatch(t, []string{"bad", "good"}, [][]int{{1}, {2}}, [][]int{{99}, {3}}, nil),
	)

	resps := decodeResponses(t, send)
	if len(resps) != 1 {
		t.Fatalf("expected 1 response, got %d", len(resps))
	}
	if resps[0].DetokenizedTexts[0] != "" {
		t.Fatalf("expected no text for failed request, got %q", resps[0].DetokenizedTexts[0])
	}
	if resps[0].DetokenizedTexts[1] != "<3>" {
		t.Fatalf("expected unaffected sibling request, got %q", resps[0].DetokenizedTexts[1])
	}
	if got := w.Stats().Snapshot().DecodeErrors; got != 1 {
		t.Fatalf("expected 1 decode error, got %d", got)
	}
}

func TestShutdownSentinelProducesNoResponse(t *testing.T) {
	send := &captureSender{}
	w := runWorker(t, fakeVocab{}, send)

	if len(send.frames) != 0 {
		t.Fatalf("expected no outbound frames for bare sentinel, got %d", len(send.frames))
	}
	if got := w.Stats().Snapshot().Batches; got != 0 {
		t.Fatalf("expected no batches processed, got %d", got)
	}
}

func TestMalformedFrameDroppedLoudly(t *testing.T) {
	send := &captureSender{}
	w := runWorker(t, fakeVocab{}, send,
		[]byte{0xc1}, // reserved msgpack byte, never a valid frame
		encodeBatch(t, []string{"r1"}, [][]int{{1}}, [][]int{{2}}, nil),
	)

	resps := decodeResponses(t, send)
	if len(resps) != 1 {
		t.Fatalf("expected the loop to continue past the bad frame, got %d responses", len(resps))
	}
	if got := w.Stats().Snapshot().ProtocolErrors; got != 1 {
		t.Fatalf("expected 1 protocol error, got %d", got)
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	send := &captureSender{failFirst: 2}
	w := runWorker(t, fakeVocab{}, send,
		encodeBatch(t, []string{"r1"}, [][]int{{1}}, [][]int{{2}}, nil),
	)

	if len(send.frames) != 1 {
		t.Fatalf("expected response delivered after retries, got %d frames", len(send.frames))
	}
	stats := w.Stats().Snapshot()
	if stats.SendRetries != 2 || stats.SendFailures != 0 {
		t.Fatalf("expected 2 retries and no failures, got %+v", stats)
	}
}

func TestSendFailureDropsAndReports(t *testing.T) {
	send := &captureSender{alwaysErr: true}
	w := runWorker(t, fakeVocab{}, send,
		encodeBatch(t, []string{"r1"}, [][]int{{1}}, [][]int{{2}}, nil),
		encodeBatch(t, []string{"r1"}, [][]int{{}}, [][]int{{3}}, nil),
	)

	stats := w.Stats().Snapshot()
	if stats.SendFailures != 2 {
		t.Fatalf("expected 2 dropped responses, got %d", stats.SendFailures)
	}
	// The registry survives send failures.
	if stats.LiveRequests != 1 {
		t.Fatalf("expected request still live, got %d", stats.LiveRequests)
	}
}
