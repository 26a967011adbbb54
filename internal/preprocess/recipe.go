// Package preprocess turns decoded inputs into fixed-shape tensors using the
// normalization recipe each model was trained with.
package preprocess

import (
	"image"
	"math"

	"golang.org/x/image/draw"

	"github.com/medscan-diagnosis-server/internal/domain"
)

// RecipeKey names a registered preprocessing recipe
type RecipeKey string

const (
	// RecipeImageNet resizes to 224x224 and applies ImageNet channel statistics
	RecipeImageNet RecipeKey = "imagenet"
	// RecipeCenterCrop resizes the short side to 256, center-crops 224x224, no normalization
	RecipeCenterCrop RecipeKey = "center_crop"
	// RecipeSymmetric resizes to 224x224 and maps [0,1] to [-1,1]
	RecipeSymmetric RecipeKey = "symmetric"
)

// ResizeMode selects how the input is scaled
type ResizeMode int

const (
	ResizeExact ResizeMode = iota
	ResizeShortSide
)

// ResizePolicy describes the scaling step
type ResizePolicy struct {
	Mode      ResizeMode
	Width     int
	Height    int
	ShortSide int
}

// CropPolicy describes an optional center crop
type CropPolicy struct {
	Center bool
	Width  int
	Height int
}

// Normalization holds per-channel statistics applied after scaling to [0,1]
type Normalization struct {
	Enabled bool
	Mean    [3]float32
	Std     [3]float32
}

// Recipe is an immutable preprocessing description
type Recipe struct {
	Key       RecipeKey
	Resize    ResizePolicy
	Crop      CropPolicy
	Normalize Normalization
}

// StandardRecipes returns the recipes the pipeline models were trained with
func StandardRecipes() map[RecipeKey]Recipe {
	return map[RecipeKey]Recipe{
		RecipeImageNet: {
			Key:    RecipeImageNet,
			Resize: ResizePolicy{Mode: ResizeExact, Width: 224, Height: 224},
			Normalize: Normalization{
				Enabled: true,
				Mean:    [3]float32{0.485, 0.456, 0.406},
				Std:     [3]float32{0.229, 0.224, 0.225},
			},
		},
		RecipeCenterCrop: {
			Key:    RecipeCenterCrop,
			Resize: ResizePolicy{Mode: ResizeShortSide, ShortSide: 256},
			Crop:   CropPolicy{Center: true, Width: 224, Height: 224},
		},
		RecipeSymmetric: {
			Key:    RecipeSymmetric,
			Resize: ResizePolicy{Mode: ResizeExact, Width: 224, Height: 224},
			Normalize: Normalization{
				Enabled: true,
				Mean:    [3]float32{0.5, 0.5, 0.5},
				Std:     [3]float32{0.5, 0.5, 0.5},
			},
		},
	}
}

// OutputSize returns the spatial size of tensors produced by the recipe
func (r Recipe) OutputSize() (width, height int) {
	if r.Crop.Center {
		return r.Crop.Width, r.Crop.Height
	}
	return r.Resize.Width, r.Resize.Height
}

// Apply converts a decoded image into a [1,3,H,W] tensor. It does not modify img.
func (r Recipe) Apply(img image.Image) domain.Tensor {
	scaled := r.scale(img)
	if r.Crop.Center {
		scaled = centerCrop(scaled, r.Crop.Width, r.Crop.Height)
	}
	return r.toTensor(scaled)
}

// maxScaledSide bounds the long side of a short-side resize. Past it only the
// central band of the source is scaled, at the same ratio, so the center crop
// sees the same pixels.
const maxScaledSide = 1024

func (r Recipe) scale(img image.Image) *image.RGBA {
	src := img.Bounds()
	w, h := src.Dx(), src.Dy()

	var tw, th int
	switch r.Resize.Mode {
	case ResizeShortSide:
		s := r.Resize.ShortSide
		if w <= h {
			tw, th = s, int(float64(s)*float64(h)/float64(w))
			if th > maxScaledSide {
				th = maxScaledSide
				src = centerRect(src, w, sourceSpan(th, w, s))
			}
		} else {
			tw, th = int(float64(s)*float64(w)/float64(h)), s
			if tw > maxScaledSide {
				tw = maxScaledSide
				src = centerRect(src, sourceSpan(tw, h, s), h)
			}
		}
	default:
		tw, th = r.Resize.Width, r.Resize.Height
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst
}

// sourceSpan is the number of source pixels that scale to target when the
// short side grows from short to s.
func sourceSpan(target, short, s int) int {
	return max(1, int(math.Ceil(float64(target)*float64(short)/float64(s))))
}

// centerRect returns the cw x ch rectangle centered in r, clipped to r
func centerRect(r image.Rectangle, cw, ch int) image.Rectangle {
	cw, ch = min(cw, r.Dx()), min(ch, r.Dy())
	x0 := r.Min.X + (r.Dx()-cw)/2
	y0 := r.Min.Y + (r.Dy()-ch)/2
	return image.Rect(x0, y0, x0+cw, y0+ch)
}

func centerCrop(img *image.RGBA, cw, ch int) *image.RGBA {
	b := img.Bounds()
	top := int(math.Round(float64(b.Dy()-ch) / 2))
	left := int(math.Round(float64(b.Dx()-cw) / 2))
	if top < 0 {
		top = 0
	}
	if left < 0 {
		left = 0
	}

	dst := image.NewRGBA(image.Rect(0, 0, cw, ch))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(b.Min.X+left, b.Min.Y+top), draw.Src)
	return dst
}

func (r Recipe) toTensor(img *image.RGBA) domain.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	data := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				v := float32(row[x*4+c]) / 255
				if r.Normalize.Enabled {
					v = (v - r.Normalize.Mean[c]) / r.Normalize.Std[c]
				}
				data[c*plane+y*w+x] = v
			}
		}
	}

	return domain.Tensor{Shape: []int{1, 3, h, w}, Data: data}
}
