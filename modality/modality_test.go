package modality

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/galvatron/errs"
)

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	k, err := ParseKind("Point Cloud")
	require.NoError(t, err)
	assert.Equal(t, PointCloud, k)
	assert.Equal(t, "point_cloud", k.Slug())

	_, err = ParseKind("text")
	var unknown *errs.UnknownModalityError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "text", unknown.Key)
}

func TestKindText(t *testing.T) {
	b, err := Audio.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Audio", string(b))

	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("Video")))
	assert.Equal(t, Video, k)
	assert.Error(t, k.UnmarshalText([]byte("Smell")))
	_, err = Kind(42).MarshalText()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	prompt := "describe"
	batch, err := Validate(map[string]any{
		"Text":  &prompt,
		"Image": "/tmp/cat.jpg",
		"Audio": nil,
		"Video": WithWeight("/tmp/clip.gif", 0.5),
	})
	require.NoError(t, err)
	assert.Equal(t, []Kind{Text, Image, Video}, batch.Kinds())
	assert.Equal(t, "describe", batch[Text].Reference)
	assert.Equal(t, float32(1), batch[Image].EffectiveWeight())
	assert.Equal(t, float32(0.5), batch[Video].EffectiveWeight())

	batch, err = Validate(map[string]string{})
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		input any
		kind  string
	}{
		{name: "nil", input: nil, kind: "InvalidRequestShape"},
		{name: "slice", input: []string{"Text"}, kind: "InvalidRequestShape"},
		{name: "string", input: "Text", kind: "InvalidRequestShape"},
		{name: "int keys", input: map[int]string{1: "x"}, kind: "InvalidRequestShape"},
		{name: "unknown key", input: map[string]string{"Text": "x", "Smell": "y"}, kind: "UnknownModalityError"},
		{name: "alias clash", input: map[string]string{"PointCloud": "a.ply", "Point Cloud": "b.ply"}, kind: "InvalidRequestShape"},
		{name: "bad value", input: map[string]any{"Text": 42}, kind: "InvalidRequestShape"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := Validate(tt.input)
			require.Error(t, err)
			assert.Nil(t, batch)
			assert.Equal(t, tt.kind, errs.Kind(err))
		})
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	input := map[string]any{"Text": "hello", "Image": "/a.png", "Audio": nil}
	first, err := Validate(input)
	require.NoError(t, err)
	second, err := Validate(input)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, input, 3, "input must not be mutated")

	again, err := Validate(first)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestValidateBatchCopies(t *testing.T) {
	b := Batch{Text: {Reference: "x"}}
	out, err := Validate(b)
	require.NoError(t, err)
	out[Image] = Input{Reference: "y"}
	assert.Len(t, b, 1)

	_, err = Validate(Batch{Kind(9): {}})
	assert.True(t, errors.As(err, new(*errs.UnknownModalityError)))
}
