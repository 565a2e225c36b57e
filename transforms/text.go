package transforms

import (
	"context"
	"errors"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/galvatron/backends"
	"github.com/knights-analytics/galvatron/errs"
	"github.com/knights-analytics/galvatron/modality"
)

// TextTransform tokenizes literal text into int64 ids of shape [1, contextLength]. Long inputs are
// truncated keeping the final end token, short ones are zero padded.
func TextTransform(tk TextTokenizer, contextLength int) TransformFunc {
	return func(_ context.Context, reference string) (*tensor.Dense, error) {
		if reference == "" {
			return nil, &errs.ResourceNotFoundError{Modality: modality.Text.String(), Reference: reference, Cause: errors.New("empty text")}
		}
		ids, err := tk.Encode(reference, true)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, errors.New("text produced no tokens")
		}
		out := make([]int64, contextLength)
		n := min(len(ids), contextLength)
		for i := 0; i < n; i++ {
			out[i] = int64(ids[i])
		}
		if len(ids) > contextLength {
			out[contextLength-1] = int64(ids[len(ids)-1])
		}
		return backends.NewInt64Tensor(out, 1, contextLength), nil
	}
}
