package backends

import (
	"bytes"
	"time"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/galvatron/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{Runtime: "GO", GoTokenizer: &GoTokenizer{Tokenizer: tk}, TokenizerTimings: &Timings{}, Destroy: func() error {
		return nil
	}}, nil
}

func encodeGo(tk *Tokenizer, input string, addSpecialTokens bool) ([]uint32, error) {
	start := time.Now()
	defer tk.TokenizerTimings.Track(start)
	output, err := tk.GoTokenizer.Tokenizer.EncodeSingle(input, addSpecialTokens)
	if err != nil {
		return nil, err
	}
	return safeconv.IntSliceToUint32Slice(output.Ids), nil
}

func decodeGo(tk *Tokenizer, tokens []uint32, skipSpecialTokens bool) string {
	return tk.GoTokenizer.Tokenizer.Decode(safeconv.Uint32SliceToIntSlice(tokens), skipSpecialTokens)
}
