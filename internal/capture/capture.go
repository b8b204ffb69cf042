// Package capture supplies the frame the player is looking at when they ask
// "what is this?".
//
// The game writes screenshots into a directory; [DirectoryCapturer] picks the
// newest one. [StaticCapturer] always returns the same file and is used for
// debugging without a running game. [CroppingCapturer] wraps either and cuts
// away black letterbox areas before identification.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"

	"github.com/MrWong99/hemdan/pkg/provider/imageembed"
)

// ErrNoFrame is returned when no usable frame is available.
var ErrNoFrame = errors.New("capture: no frame")

// Capturer yields the path of the current frame.
type Capturer interface {
	Capture(ctx context.Context) (path string, err error)
}

// StaticCapturer always returns the same image.
type StaticCapturer struct {
	Path string
}

// Capture returns c.Path if the file exists.
func (c StaticCapturer) Capture(context.Context) (string, error) {
	if _, err := os.Stat(c.Path); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoFrame, err)
	}
	return c.Path, nil
}

// DirectoryCapturer returns the most recently modified image file in Dir.
type DirectoryCapturer struct {
	Dir string

	// MaxAge rejects a newest frame older than this. Zero accepts any age.
	MaxAge time.Duration

	// now is replaced in tests.
	now func() time.Time
}

// NewDirectoryCapturer returns a capturer over dir.
func NewDirectoryCapturer(dir string, maxAge time.Duration) *DirectoryCapturer {
	return &DirectoryCapturer{Dir: dir, MaxAge: maxAge, now: time.Now}
}

// Capture returns the newest image in the directory.
func (c *DirectoryCapturer) Capture(context.Context) (string, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoFrame, err)
	}
	var (
		newest  string
		modTime time.Time
	)
	for _, e := range entries {
		if e.IsDir() || !imageembed.IsImageFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(modTime) {
			newest, modTime = e.Name(), info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w: no images in %s", ErrNoFrame, c.Dir)
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	if c.MaxAge > 0 {
		if age := now().Sub(modTime); age > c.MaxAge {
			return "", fmt.Errorf("%w: newest frame %s is %s old", ErrNoFrame, newest, age.Round(time.Second))
		}
	}
	return filepath.Join(c.Dir, newest), nil
}

// BrightnessThreshold is the mean luminance (0-255) above which a quadrant
// counts as content.
const BrightnessThreshold = 35

// CropToContent crops img to the bounding box of its bright quadrants. The
// image is split at its midpoints into four quadrants; those with a mean
// luminance above [BrightnessThreshold] are kept. When no quadrant or every
// quadrant qualifies, img is returned unchanged.
func CropToContent(img image.Image) image.Image {
	b := img.Bounds()
	midX, midY := b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2
	quadrants := []image.Rectangle{
		image.Rect(b.Min.X, b.Min.Y, midX, midY),
		image.Rect(midX, b.Min.Y, b.Max.X, midY),
		image.Rect(b.Min.X, midY, midX, b.Max.Y),
		image.Rect(midX, midY, b.Max.X, b.Max.Y),
	}
	var (
		box  image.Rectangle
		kept int
	)
	for _, q := range quadrants {
		if q.Empty() || luminance(img, q) <= BrightnessThreshold {
			continue
		}
		box = box.Union(q)
		kept++
	}
	if kept == 0 || kept == len(quadrants) {
		return img
	}
	out := image.NewRGBA(image.Rect(0, 0, box.Dx(), box.Dy()))
	draw.Draw(out, out.Bounds(), img, box.Min, draw.Src)
	return out
}

// luminance returns the mean 8-bit grey level of r.
func luminance(img image.Image, r image.Rectangle) float64 {
	var sum uint64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			sum += uint64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
		}
	}
	return float64(sum) / float64(r.Dx()*r.Dy())
}

// CroppingCapturer crops every frame of Source with [CropToContent] and
// writes the result as PNG into Dir.
type CroppingCapturer struct {
	Source Capturer
	// Dir receives the cropped frames. Empty means os.TempDir().
	Dir string
}

// Capture returns the path of the cropped copy of the source frame. Frames
// that need no crop are returned as they are.
func (c CroppingCapturer) Capture(ctx context.Context) (string, error) {
	path, err := c.Source.Capture(ctx)
	if err != nil {
		return "", err
	}
	img, err := imageembed.Load(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoFrame, err)
	}
	cropped := CropToContent(img)
	if cropped == img {
		return path, nil
	}

	f, err := os.CreateTemp(c.Dir, "hemdan-frame-*.png")
	if err != nil {
		return "", fmt.Errorf("capture: %w", err)
	}
	if err := png.Encode(f, cropped); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("capture: encode crop: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("capture: %w", err)
	}
	return f.Name(), nil
}
