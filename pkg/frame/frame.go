// Package frame defines the batched wire schema exchanged between a
// generation engine and the detokenizer worker, encoded as msgpack maps.
// Field names and types are shared byte-exactly with the engine-side
// encoder; changing a tag here is a protocol break.
//
// A zero-length raw payload is the reserved shutdown sentinel. It is not
// a frame: a validly encoded batch with zero entries is a different (and
// legal) message that does not terminate the worker.
package frame

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrEmptyPayload   = errors.New("empty payload is the shutdown sentinel, not a frame")
	ErrLengthMismatch = errors.New("frame arrays length mismatch")
)

// DecodeRequestBatch carries one scheduling step's worth of work. The
// five per-request arrays are index-aligned: entry i of each describes
// request ReqIDs[i]. PromptTokenIDs[i] is non-empty only the first time a
// request appears. FreeReqIDs lists requests to evict before this batch's
// decode step.
type DecodeRequestBatch struct {
	ReqIDs                     []string `msgpack:"req_ids"`
	PromptTokenIDs             [][]int  `msgpack:"prompt_token_ids"`
	NewTokenIDs                [][]int  `msgpack:"new_token_ids"`
	SkipSpecialTokens          []bool   `msgpack:"skip_special_tokens"`
	SpacesBetweenSpecialTokens []bool   `msgpack:"spaces_between_special_tokens"`

	FreeReqIDs []string `msgpack:"free_req_ids"`
}

// DecodeResponseBatch carries the text increments for one request batch,
// index-aligned with the triggering request's ReqIDs order.
// NumOutputTokenIDs reports each request's post-prompt token count as of
// this response so the engine can reconcile its own asynchronous
// bookkeeping against the emitted text.
type DecodeResponseBatch struct {
	ReqIDs            []string `msgpack:"req_ids"`
	DetokenizedTexts  []string `msgpack:"detokenized_texts"`
	NumOutputTokenIDs []int    `msgpack:"num_output_token_ids"`
}

// Sentinel returns the reserved shutdown message.
func Sentinel() []byte { return []byte{} }

// IsSentinel reports whether a raw payload is the shutdown sentinel.
func IsSentinel(payload []byte) bool { return len(payload) == 0 }

// Validate checks that the per-request arrays are index-aligned.
func (b *DecodeRequestBatch) Validate() error {
	n := len(b.ReqIDs)
	if len(b.PromptTokenIDs) != n || len(b.NewTokenIDs) != n ||
		len(b.SkipSpecialTokens) != n || len(b.SpacesBetweenSpecialTokens) != n {
		return fmt.Errorf("%w: req_ids=%d prompt_token_ids=%d new_token_ids=%d skip_special_tokens=%d spaces_between_special_tokens=%d",
			ErrLengthMismatch, n, len(b.PromptTokenIDs), len(b.NewTokenIDs),
			len(b.SkipSpecialTokens), len(b.SpacesBetweenSpecialTokens))
	}
	return nil
}

// Validate checks that the response arrays are index-aligned.
func (b *DecodeResponseBatch) Validate() error {
	n := len(b.ReqIDs)
	if len(b.DetokenizedTexts) != n || len(b.NumOutputTokenIDs) != n {
		return fmt.Errorf("%w: req_ids=%d detokenized_texts=%d num_output_token_ids=%d",
			ErrLengthMismatch, n, len(b.DetokenizedTexts), len(b.NumOutputTokenIDs))
	}
	return nil
}

// Encode serializes the batch.
func (b *DecodeRequestBatch) Encode() ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return msgpack.Marshal(b)
}

// Encode serializes the batch.
func (b *DecodeResponseBatch) Encode() ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return msgpack.Marshal(b)
}

// DecodeRequest parses and validates an inbound request frame. The caller
// must check IsSentinel first; a malformed or misaligned payload is a
// decode error, never undefined behavior.
func DecodeRequest(payload []byte) (*DecodeRequestBatch, error) {
	if IsSentinel(payload) {
		return nil, ErrEmptyPayload
	}
	var b DecodeRequestBatch
	if err := msgpack.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("decode request frame: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// DecodeResponse parses and validates an outbound-format frame. The
// worker never calls this; it exists for the engine side and tests.
func DecodeResponse(payload []byte) (*DecodeResponseBatch, error) {
	if IsSentinel(payload) {
		return nil, ErrEmptyPayload
	}
	var b DecodeResponseBatch
	if err := msgpack.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("decode response frame: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
