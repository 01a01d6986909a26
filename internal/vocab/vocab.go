// Package vocab translates token ids into sub-word tokens and decodable
// text fragments. The Decoder interface is the capability the rest of the
// service is written against; HF is the tokenizer.json-backed
// implementation used by the detokenizer binary.
package vocab

import "errors"

var ErrTokenIDRange = errors.New("token id out of range")

// Decoder maps token-id context to sub-word tokens and text fragments.
// Implementations hold no per-request state; all request state lives with
// the caller and is threaded through the offsets.
type Decoder interface {
	// TokenizePrompt converts the tail of a prompt id sequence into
	// sub-word tokens and returns the initial re-decode window offsets.
	TokenizePrompt(ids []int, skipSpecialTokens bool) (tokens []string, prefixOffset, readOffset int, err error)

	// DecodeStep processes the last id of allIDs against the tokens decoded
	// so far. It returns the sub-word tokens that id contributed, the newly
	// revealed text fragment (empty while the tail is still ambiguous), and
	// the updated window offsets.
	DecodeStep(allIDs []int, prevTokens []string, prefixOffset, readOffset int,
		skipSpecialTokens, spacesBetweenSpecialTokens bool) (newTokens []string, fragment string, newPrefixOffset, newReadOffset int, err error)
}
