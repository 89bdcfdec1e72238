package dataset

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"golang.org/x/image/draw"
)

func TestLoadImageResizesAndScales(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: uint8(x * 12), B: 0, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	tensor, err := LoadImage(buf, 8, 6)
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if len(tensor.Shape) != 3 || tensor.Shape[0] != 6 || tensor.Shape[1] != 8 || tensor.Shape[2] != 3 {
		t.Fatalf("unexpected shape %v", tensor.Shape)
	}
	for i, v := range tensor.Data {
		if v < 0 || v > 1 {
			t.Fatalf("value out of range: %f", v)
		}
		if i%3 == 0 && v != 1 {
			t.Fatalf("red channel should stay saturated, got %f", v)
		}
		if i%3 == 2 && v != 0 {
			t.Fatalf("blue channel should stay empty, got %f", v)
		}
	}
}

func TestLoadImageGrayscaleJPEG(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	tensor, err := LoadImage(buf, 4, 4)
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if tensor.Len() != 4*4*3 {
		t.Fatalf("expected RGB output, got %v", tensor.Shape)
	}
}

func TestLoadImageRejectsGarbage(t *testing.T) {
	if _, err := LoadImage(strings.NewReader("not an image"), 4, 4); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLoadImageUsesBicubicResampling(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			v := uint8(0)
			if (x+y)%2 == 0 {
				v = 255
			}
			img.Set(x, y, color.RGBA{R: v, G: uint8(40 * x), B: uint8(40 * y), A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	tensor, err := LoadImage(buf, 13, 13)
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}

	scaled := func(k draw.Interpolator) *image.RGBA {
		dst := image.NewRGBA(image.Rect(0, 0, 13, 13))
		k.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
		return dst
	}
	bicubic, bilinear := scaled(draw.CatmullRom), scaled(draw.BiLinear)
	differs := false
	for y := 0; y < 13; y++ {
		for x := 0; x < 13; x++ {
			o := (y*13 + x) * 3
			p := bicubic.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				if want := float64(bicubic.Pix[p+c]) / 255; tensor.Data[o+c] != want {
					t.Fatalf("pixel (%d,%d) channel %d = %f, want bicubic %f", x, y, c, tensor.Data[o+c], want)
				}
				if bicubic.Pix[p+c] != bilinear.Pix[p+c] {
					differs = true
				}
			}
		}
	}
	if !differs {
		t.Fatal("test image does not distinguish bicubic from bilinear resampling")
	}
}
