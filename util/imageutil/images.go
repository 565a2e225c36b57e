package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/knights-analytics/galvatron/util/fileutil"
)

// DecodeImage decodes any registered format: jpeg, png, gif (first frame), webp, bmp and tiff.
func DecodeImage(b []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return img, nil
}

func LoadImagesFromPaths(paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))

	for _, path := range paths {
		b, err := fileutil.ReadFileBytes(path)
		if err != nil {
			return nil, err
		}
		img, err := DecodeImage(b)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		images = append(images, img)
	}
	return images, nil
}

// DecodeGIFFrames returns every frame of an animated gif composited onto the full canvas, so that
// frames using partial updates come out complete.
func DecodeGIFFrames(b []byte) ([]image.Image, error) {
	g, err := gif.DecodeAll(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("gif has no frames")
	}
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
	}
	canvas := image.NewRGBA(bounds)
	frames := make([]image.Image, 0, len(g.Image))
	for _, frame := range g.Image {
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		snapshot := image.NewRGBA(bounds)
		copy(snapshot.Pix, canvas.Pix)
		frames = append(frames, snapshot)
	}
	return frames, nil
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

type ResizePreprocessor struct {
	targetSize int
}

// ResizeStep scales the image so that its shortest side is targetSize, keeping the aspect ratio.
func ResizeStep(targetSize int) *ResizePreprocessor {
	return &ResizePreprocessor{targetSize: targetSize}
}

func (s *ResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("cannot resize empty image")
	}
	var newW, newH int
	if w < h {
		newW = s.targetSize
		newH = max(s.targetSize, int(float32(h)*float32(s.targetSize)/float32(w)))
	} else {
		newH = s.targetSize
		newW = max(s.targetSize, int(float32(w)*float32(s.targetSize)/float32(h)))
	}
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)
	return dst, nil
}

func CenterCropStep(targetWidth, targetHeight int) *CenterCropPreprocessor {
	return &CenterCropPreprocessor{targetWidth: targetWidth, targetHeight: targetHeight}
}

type CenterCropPreprocessor struct {
	targetWidth  int
	targetHeight int
}

func (s *CenterCropPreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	if bounds.Dx() < s.targetWidth || bounds.Dy() < s.targetHeight {
		return nil, fmt.Errorf("image of size %dx%d is smaller than crop %dx%d", bounds.Dx(), bounds.Dy(), s.targetWidth, s.targetHeight)
	}
	x0 := bounds.Min.X + (bounds.Dx()-s.targetWidth)/2
	y0 := bounds.Min.Y + (bounds.Dy()-s.targetHeight)/2
	dst := image.NewRGBA(image.Rect(0, 0, s.targetWidth, s.targetHeight))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(x0, y0), draw.Src)
	return dst, nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

// CLIPPixelNormalizationStep uses the OpenAI CLIP statistics the ImageBind vision encoder was trained with.
func CLIPPixelNormalizationStep() *PixelNormalizationPreprocessor {
	return PixelNormalizationStep(
		[3]float32{0.48145466, 0.4578275, 0.40821073},
		[3]float32{0.26862954, 0.26130258, 0.27577711},
	)
}

type RescalePreprocessor struct{}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	scale := float32(1.0 / 255.0)
	return r * scale, g * scale, b * scale
}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}

// Preprocess runs the image steps in order.
func Preprocess(img image.Image, steps []PreprocessStep) (image.Image, error) {
	var err error
	for _, step := range steps {
		img, err = step.Apply(img)
		if err != nil {
			return nil, err
		}
	}
	return img, nil
}

// ToCHW writes the image in channel-first layout into out, which must hold 3*H*W values.
func ToCHW(img image.Image, normalizationSteps []NormalizationStep, out []float32) error {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	plane := w * h
	if len(out) != 3*plane {
		return fmt.Errorf("output buffer holds %d values, image needs %d", len(out), 3*plane)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rf, gf, bf := float32(r>>8), float32(g>>8), float32(b>>8)
			for _, step := range normalizationSteps {
				rf, gf, bf = step.Apply(rf, gf, bf)
			}
			i := y*w + x
			out[i] = rf
			out[plane+i] = gf
			out[2*plane+i] = bf
		}
	}
	return nil
}
