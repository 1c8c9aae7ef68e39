package assembly

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// encodingName is the canonical encoding for context-size accounting.
const encodingName = "cl100k_base"

// TiktokenTokenizer implements Tokenizer over the cl100k_base BPE encoding.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer loads the canonical encoding.
func NewTiktokenTokenizer() (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", encodingName, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

// Encode tokenizes text, allowing no special tokens.
func (t *TiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

// Decode reassembles text from tokens.
func (t *TiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}
