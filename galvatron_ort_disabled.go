//go:build !cgo || (!ORT && !ALL)

package galvatron

import (
	"errors"

	"github.com/knights-analytics/galvatron/options"
)

func NewORT(_ string, _ ...options.WithOption) (*Galvatron, error) {
	return nil, errors.New("to enable ORT, run `go build -tags ORT` or `go build -tags ALL`")
}

func NewORTLanguageModel(_ string, _ ...options.WithOption) (*LanguageModel, error) {
	return nil, errors.New("to enable ORT, run `go build -tags ORT` or `go build -tags ALL`")
}
