package detok

import (
	"errors"
	"fmt"

	"github.com/samcharles93/detok/internal/vocab"
)

var ErrUnknownRequest = errors.New("unknown request")

// Registry owns the RequestState for every live request, keyed by request
// id. It is exclusively owned by the worker loop.
type Registry struct {
	vocab vocab.Decoder
	reqs  map[string]*RequestState
}

func NewRegistry(v vocab.Decoder) *Registry {
	return &Registry{
		vocab: v,
		reqs:  make(map[string]*RequestState),
	}
}

// Register creates the state for a request from its prompt token ids.
// Registering an id that is still live overwrites the prior state.
func (r *Registry) Register(id string, promptTokenIDs []int, skipSpecialTokens, spacesBetweenSpecialTokens bool) error {
	tokens, prefixOffset, readOffset, err := r.vocab.TokenizePrompt(promptTokenIDs, skipSpecialTokens)
	if err != nil {
		return fmt.Errorf("tokenize prompt for %s: %w", id, err)
	}
	r.reqs[id] = &RequestState{
		ID:                         id,
		tokenIDs:                   append([]int(nil), promptTokenIDs...),
		tokens:                     tokens,
		numPromptTokens:            len(promptTokenIDs),
		prefixOffset:               prefixOffset,
		readOffset:                 readOffset,
		skipSpecialTokens:          skipSpecialTokens,
		spacesBetweenSpecialTokens: spacesBetweenSpecialTokens,
	}
	return nil
}

// Evict removes a request's state.
func (r *Registry) Evict(id string) error {
	if _, ok := r.reqs[id]; !ok {
		return fmt.Errorf("evict %s: %w", id, ErrUnknownRequest)
	}
	delete(r.reqs, id)
	return nil
}

// Lookup returns the state for a live request.
func (r *Registry) Lookup(id string) (*RequestState, error) {
	st, ok := r.reqs[id]
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", id, ErrUnknownRequest)
	}
	return st, nil
}

// Has reports whether the id is live without the error allocation.
func (r *Registry) Has(id string) bool {
	_, ok := r.reqs[id]
	return ok
}

// Len reports the number of live requests.
func (r *Registry) Len() int {
	return len(r.reqs)
}
