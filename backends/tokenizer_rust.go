//go:build cgo && (ORT || ALL)

package backends

import (
	"time"

	"github.com/daulet/tokenizers"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
}

func loadRustTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{Runtime: "RUST", RustTokenizer: &RustTokenizer{Tokenizer: tk}, TokenizerTimings: &Timings{}, Destroy: func() error {
		return tk.Close()
	}}, nil
}

func encodeRust(tk *Tokenizer, input string, addSpecialTokens bool) []uint32 {
	start := time.Now()
	defer tk.TokenizerTimings.Track(start)
	output := tk.RustTokenizer.Tokenizer.EncodeWithOptions(input, addSpecialTokens)
	return output.IDs
}

func decodeRust(tk *Tokenizer, tokens []uint32, skipSpecialTokens bool) string {
	return tk.RustTokenizer.Tokenizer.Decode(tokens, skipSpecialTokens)
}
