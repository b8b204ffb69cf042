package imageembed

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	"golang.org/x/sync/errgroup"
)

// Geometry of the model input.
const (
	ResizeShortSide = 256
	CropSize        = 224
	Channels        = 3
	// TensorLen is the number of float32 values in one preprocessed image.
	TensorLen = Channels * CropSize * CropSize
)

var (
	mean = [Channels]float32{0.485, 0.456, 0.406}
	std  = [Channels]float32{0.229, 0.224, 0.225}
)

// Extensions lists the file extensions treated as catalog images.
var Extensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".tiff"}

// IsImageFile reports whether name has one of the supported extensions.
func IsImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Load decodes the image file at path.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Tensor converts img into a normalised CHW float32 tensor of length
// TensorLen: the short side is scaled to ResizeShortSide with bilinear
// filtering, the centre CropSize square is cut out, and each channel is
// normalised with the ImageNet mean and standard deviation.
func Tensor(img image.Image) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return make([]float32, TensorLen)
	}

	sw, sh := ResizeShortSide, ResizeShortSide
	if w < h {
		sh = max(CropSize, h*ResizeShortSide/w)
	} else {
		sw = max(CropSize, w*ResizeShortSide/h)
	}
	scaled := image.NewRGBA(image.Rect(0, 0, sw, sh))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), img, b, draw.Src, nil)

	x0 := (sw - CropSize) / 2
	y0 := (sh - CropSize) / 2
	plane := CropSize * CropSize
	out := make([]float32, TensorLen)
	for y := range CropSize {
		for x := range CropSize {
			i := scaled.PixOffset(x0+x, y0+y)
			p := y*CropSize + x
			for c := range Channels {
				v := float32(scaled.Pix[i+c]) / 255
				out[c*plane+p] = (v - mean[c]) / std[c]
			}
		}
	}
	return out
}

// Preprocess loads and converts every ref in parallel, bounded by GOMAXPROCS.
// tensors[i] is nil exactly when errs[i] is non-nil; one bad ref does not
// affect the others. The returned error is non-nil only if ctx ends first.
func Preprocess(ctx context.Context, refs []Ref) (tensors [][]float32, errs []error, err error) {
	tensors = make([][]float32, len(refs))
	errs = make([]error, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, ref := range refs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img := ref.Image
			if img == nil {
				if ref.Path == "" {
					errs[i] = fmt.Errorf("empty image reference")
					return nil
				}
				loaded, err := Load(ref.Path)
				if err != nil {
					errs[i] = err
					return nil
				}
				img = loaded
			}
			tensors[i] = Tensor(img)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return tensors, errs, nil
}
