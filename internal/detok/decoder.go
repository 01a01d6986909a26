package detok

import (
	"strings"

	"github.com/samcharles93/detok/internal/vocab"
)

// Incremental advances request states one token id at a time.
//
// Per-id invocation of the vocabulary decoder is the reference semantics:
// advancing a state by [a, b] in one call must produce the same text as
// advancing by [a] then [b] and concatenating. Each id triggers a
// context-dependent re-decode of the window, which is the known cost of
// that guarantee.
type Incremental struct {
	Vocab vocab.Decoder
}

// Advance appends newTokenIDs to the state and returns the newly revealed
// text. On a vocabulary decoder error the ids already appended stay
// appended and the text revealed so far is returned with the error; the
// state stays internally consistent.
func (d *Incremental) Advance(st *RequestState, newTokenIDs []int) (string, error) {
	var out strings.Builder
	for _, id := range newTokenIDs {
		st.tokenIDs = append(st.tokenIDs, id)
		newTokens, fragment, prefixOffset, readOffset, err := d.Vocab.DecodeStep(
			st.tokenIDs, st.tokens, st.prefixOffset, st.readOffset,
			st.skipSpecialTokens, st.spacesBetweenSpecialTokens,
		)
		if err != nil {
			return out.String(), err
		}
		st.tokens = append(st.tokens, newTokens...)
		st.prefixOffset = prefixOffset
		st.readOffset = readOffset
		st.outputText += fragment
		out.WriteString(fragment)
	}
	return out.String(), nil
}
