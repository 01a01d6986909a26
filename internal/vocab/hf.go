package vocab

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// initialDecodeWindow is the number of trailing tokens kept in the
// re-decode window when a request is first registered. Tokens before the
// window are considered safely emitted; tokens inside it may still change
// rendering as more context arrives.
const initialDecodeWindow = 5

// HF is a Decoder backed by a HuggingFace tokenizer.json vocabulary.
// Only the decode side of the tokenizer is loaded: the id-to-token table,
// the byte-level BPE byte decoder, and the added/special token sets.
type HF struct {
	decoder     []string
	byteDecoder map[string]byte
	specialIDs  map[int]bool
	addedTokens map[string]bool
}

type hfTokenizerJSON struct {
	Model struct {
		Type  string         `json:"type"`
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// Load reads a tokenizer.json file and builds the decode tables.
func Load(path string) (*HF, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadBytes(data)
}

// LoadBytes builds the decode tables from raw tokenizer.json contents.
func LoadBytes(data []byte) (*HF, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if tj.Model.Type != "" && strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	maxID := -1
	for _, id := range tj.Model.Vocab {
		if id > maxID {
			maxID = id
		}
	}
	for _, at := range tj.AddedTokens {
		if at.ID > maxID {
			maxID = at.ID
		}
	}

	decoder := make([]string, maxID+1)
	for tok, id := range tj.Model.Vocab {
		decoder[id] = tok
	}

	specialIDs := make(map[int]bool)
	addedTokens := make(map[string]bool, len(tj.AddedTokens))
	for _, at := range tj.AddedTokens {
		decoder[at.ID] = at.Content
		addedTokens[at.Content] = true
		if at.Special {
			specialIDs[at.ID] = true
		}
	}

	_, byteDecoder := bytesToUnicode()

	return &HF{
		decoder:     decoder,
		byteDecoder: byteDecoder,
		specialIDs:  specialIDs,
		addedTokens: addedTokens,
	}, nil
}

// VocabSize returns the size of the id-to-token table.
func (v *HF) VocabSize() int { return len(v.decoder) }

// TokenString returns the sub-word string for a token id, or "" when the
// id is out of range.
func (v *HF) TokenString(id int) string {
	if id < 0 || id >= len(v.decoder) {
		return ""
	}
	return v.decoder[id]
}

func (v *HF) TokenizePrompt(ids []int, skipSpecialTokens bool) ([]string, int, int, error) {
	// Only the window tail is ever re-decoded, so converting the whole
	// prompt would be wasted work.
	tail := ids
	if len(tail) > initialDecodeWindow+2 {
		tail = tail[len(tail)-(initialDecodeWindow+2):]
	}
	tokens, err := v.idsToTokens(tail, skipSpecialTokens)
	if err != nil {
		return nil, 0, 0, err
	}
	readOffset := len(tokens)
	prefixOffset := readOffset - initialDecodeWindow
	if prefixOffset < 0 {
		prefixOffset = 0
	}
	return tokens, prefixOffset, readOffset, nil
}

func (v *HF) DecodeStep(allIDs []int, prevTokens []string, prefixOffset, readOffset int,
	skipSpecialTokens, spacesBetweenSpecialTokens bool) ([]string, string, int, int, error) {
	if len(allIDs) == 0 {
		return nil, "", prefixOffset, readOffset, fmt.Errorf("decode step with no ids")
	}
	newID := allIDs[len(allIDs)-1]
	if skipSpecialTokens && v.specialIDs[newID] {
		return nil, "", prefixOffset, readOffset, nil
	}

	newTokens, err := v.idsToTokens(allIDs[len(allIDs)-1:], skipSpecialTokens)
	if err != nil {
		return nil, "", prefixOffset, readOffset, err
	}

	output := make([]string, 0, len(prevTokens)+len(newTokens))
	output = append(output, prevTokens...)
	output = append(output, newTokens...)

	prefixText := v.tokensToString(output[prefixOffset:readOffset], spacesBetweenSpecialTokens)
	newText := v.tokensToString(output[prefixOffset:], spacesBetweenSpecialTokens)

	if len(newText) > len(prefixText) && !strings.HasSuffix(newText, "�") {
		// The tail renders to stable text; everything past the previously
		// read window is safe to reveal.
		return newTokens, newText[len(prefixText):], readOffset, len(output), nil
	}
	// Otherwise hold the window: the last token may still be the start of
	// a multi-byte sequence or otherwise change with more context.
	return newTokens, "", prefixOffset, readOffset, nil
}

func (v *HF) idsToTokens(ids []int, skipSpecialTokens bool) ([]string, error) {
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		if id < 0 || id >= len(v.decoder) {
			return nil, fmt.Errorf("%w: %d", ErrTokenIDRange, id)
		}
		if skipSpecialTokens && v.specialIDs[id] {
			continue
		}
		tokens = append(tokens, v.decoder[id])
	}
	return tokens, nil
}

// tokensToString renders a token window to text. Byte-level tokens are run
// through the byte decoder; added tokens are emitted verbatim, optionally
// joined with single spaces.
func (v *HF) tokensToString(tokens []string, spacesBetweenSpecialTokens bool) string {
	var subTexts []string
	var current []string
	for _, tok := range tokens {
		if v.addedTokens[tok] {
			if len(current) > 0 {
				subTexts = append(subTexts, v.byteTokensToString(current))
				current = current[:0]
			}
			subTexts = append(subTexts, tok)
		} else {
			current = append(current, tok)
		}
	}
	if len(current) > 0 {
		subTexts = append(subTexts, v.byteTokensToString(current))
	}
	if spacesBetweenSpecialTokens {
		return strings.Join(subTexts, " ")
	}
	return strings.Join(subTexts, "")
}

func (v *HF) byteTokensToString(tokens []string) string {
	var b []byte
	for _, token := range tokens {
		for _, r := range token {
			if by, ok := v.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return decodeReplace(b)
}

// decodeReplace converts raw bytes to a string, substituting U+FFFD for
// invalid UTF-8 bytes so an incomplete trailing sequence is detectable.
func decodeReplace(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(b[:size])
		}
		b = b[size:]
	}
	return sb.String()
}

// bytesToUnicode maps bytes to unicode strings to make byte-level BPE
// reversible.
func bytesToUnicode() (map[byte]string, map[string]byte) {
	var bs []int
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	for i := int('¡'); i <= int('¬'); i++ {
		bs = append(bs, i)
	}
	for i := int('®'); i <= int('ÿ'); i++ {
		bs = append(bs, i)
	}

	cs := make([]int, len(bs))
	copy(cs, bs)
	n := 0
	for b := 0; b < 256; b++ {
		found := false
		for _, v := range bs {
			if v == b {
				found = true
				break
			}
		}
		if !found {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	byteEncoder := make(map[byte]string, len(bs))
	byteDecoder := make(map[string]byte, len(bs))
	for i := 0; i < len(bs); i++ {
		b := byte(bs[i])
		s := string(rune(cs[i]))
		byteEncoder[b] = s
		byteDecoder[s] = b
	}
	return byteEncoder, byteDecoder
}
