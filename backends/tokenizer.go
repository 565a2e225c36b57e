package backends

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/knights-analytics/galvatron/options"
	"github.com/knights-analytics/galvatron/util/fileutil"
)

// Tokenizer wraps either the pure go tokenizer or the rust bindings, chosen by backend.
type Tokenizer struct {
	RustTokenizer    *RustTokenizer
	GoTokenizer      *GoTokenizer
	TokenizerTimings *Timings
	Destroy          func() error
	Runtime          string
}

// LoadTokenizer loads tokenizer.json from the model folder. ORT sessions use the rust tokenizer,
// GO sessions the pure go one.
func LoadTokenizer(path string, s *options.Options) (*Tokenizer, error) {
	tokenizerPath := fileutil.PathJoinSafe(path, "tokenizer.json")
	exists, err := fileutil.FileExists(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("error checking for existence of tokenizer.json: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("tokenizer.json not found at %s", path)
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(tokenizerPath)
	if err != nil {
		return nil, err
	}
	switch s.Backend {
	case "ORT":
		return loadRustTokenizer(tokenizerBytes)
	case "GO":
		return loadGoTokenizer(tokenizerBytes)
	default:
		return nil, fmt.Errorf("runtime %s not recognized", s.Backend)
	}
}

// Encode returns the token ids of text.
func (t *Tokenizer) Encode(text string, addSpecialTokens bool) ([]uint32, error) {
	switch t.Runtime {
	case "RUST":
		return encodeRust(t, text, addSpecialTokens), nil
	case "GO":
		return encodeGo(t, text, addSpecialTokens)
	}
	return nil, fmt.Errorf("runtime %s not recognized", t.Runtime)
}

func (t *Tokenizer) Decode(tokens []uint32, skipSpecialTokens bool) (string, error) {
	switch t.Runtime {
	case "RUST":
		return decodeRust(t, tokens, skipSpecialTokens), nil
	case "GO":
		return decodeGo(t, tokens, skipSpecialTokens), nil
	}
	return "", fmt.Errorf("runtime %s not recognized", t.Runtime)
}

// StripControl removes control characters left over after decoding, keeping newlines and tabs.
func StripControl(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, s))
}
