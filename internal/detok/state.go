// Package detok holds the per-request incremental detokenization state
// and the registry that owns it. The registry is mutated by a single
// worker goroutine; nothing here is safe for concurrent use and nothing
// needs to be.
package detok

// RequestState tracks one generation request's progress from token ids to
// text. tokenIDs grows append-only (prompt ids first, then generated ids);
// tokens covers the decoded window; prefixOffset and readOffset delimit
// the span re-decoded for correctness versus text already safely emitted.
type RequestState struct {
	ID string

	tokenIDs        []int
	tokens          []string
	numPromptTokens int

	prefixOffset int
	readOffset   int

	skipSpecialTokens          bool
	spacesBetweenSpecialTokens bool

	outputText string
}

// NumOutputTokens reports how many ids beyond the prompt have been
// appended so far.
func (s *RequestState) NumOutputTokens() int {
	return len(s.tokenIDs) - s.numPromptTokens
}

// OutputText returns all text emitted for this request, equal to the
// concatenation of every increment Advance has returned.
func (s *RequestState) OutputText() string {
	return s.outputText
}

// TokenIDs returns the full id sequence seen so far.
func (s *RequestState) TokenIDs() []int {
	return s.tokenIDs
}
