//go:build !cgo || (!ORT && !ALL)

package backends

import "errors"

type RustTokenizer struct{}

func loadRustTokenizer(_ []byte) (*Tokenizer, error) {
	return nil, errors.New("rust Tokenizer is not enabled")
}

func encodeRust(_ *Tokenizer, _ string, _ bool) []uint32 {
	return nil
}

func decodeRust(_ *Tokenizer, _ []uint32, _ bool) string {
	return ""
}
