package dataset

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"utkrobust/internal/model"
)

// Default input geometry of the face model.
const (
	ImageWidth  = 198
	ImageHeight = 198
)

// Resampler is the bicubic (a = -0.5) kernel that PIL's Image.resize uses by
// default since Pillow 7.0.
var Resampler draw.Interpolator = draw.CatmullRom

// LoadImage decodes an image, resizes it to width x height with Resampler and
// returns an HxWx3 tensor with RGB values scaled to [0,1].
func LoadImage(r io.Reader, width, height int) (*model.Tensor, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid target size %dx%d", width, height)
	}
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	bounds := src.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, errors.New("empty image")
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	Resampler.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	t := model.NewTensor(height, width, 3)
	for y := 0; y < height; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+width*4]
		for x := 0; x < width; x++ {
			o := (y*width + x) * 3
			t.Data[o] = float64(row[x*4]) / 255
			t.Data[o+1] = float64(row[x*4+1]) / 255
			t.Data[o+2] = float64(row[x*4+2]) / 255
		}
	}
	return t, nil
}
