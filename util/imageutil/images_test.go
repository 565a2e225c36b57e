package imageutil

import (
	"bytes"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestDecodeImage(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, solid(4, 2, color.White)))
	img, err := DecodeImage(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())

	_, err = DecodeImage([]byte("not an image"))
	assert.Error(t, err)
}

func TestResizeAndCrop(t *testing.T) {
	img := solid(20, 10, color.RGBA{255, 0, 0, 255})
	out, err := Preprocess(img, []PreprocessStep{ResizeStep(5), CenterCropStep(5, 5)})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 5, 5), out.Bounds())

	_, err = CenterCropStep(30, 30).Apply(img)
	assert.Error(t, err)
}

func TestToCHW(t *testing.T) {
	img := solid(2, 2, color.RGBA{0, 255, 0, 255})
	out := make([]float32, 12)
	require.NoError(t, ToCHW(img, []NormalizationStep{RescaleStep()}, out))
	assert.InDelta(t, 0.0, out[0], 1e-6, "red plane")
	assert.InDelta(t, 1.0, out[4], 1e-6, "green plane")
	assert.InDelta(t, 0.0, out[8], 1e-6, "blue plane")

	require.NoError(t, ToCHW(img, []NormalizationStep{RescaleStep(), CLIPPixelNormalizationStep()}, out))
	assert.InDelta(t, (1.0-0.4578275)/0.26130258, out[4], 1e-4)

	assert.Error(t, ToCHW(img, nil, make([]float32, 3)))
}

func TestDecodeGIFFrames(t *testing.T) {
	anim := &gif.GIF{}
	for _, c := range []color.Color{color.Black, color.White, color.Black} {
		frame := image.NewPaletted(image.Rect(0, 0, 3, 3), palette.Plan9)
		for y := 0; y < 3; y++ {
			for x := 0; x < 3; x++ {
				frame.Set(x, y, c)
			}
		}
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, 1)
	}
	buf := &bytes.Buffer{}
	require.NoError(t, gif.EncodeAll(buf, anim))

	frames, err := DecodeGIFFrames(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, frames, 3)
	r, _, _, _ := frames[1].At(1, 1).RGBA()
	assert.Equal(t, uint32(0xffff), r)
}
