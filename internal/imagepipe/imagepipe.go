package imagepipe

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"os"

	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/makeworld-the-better-one/dither/v2"
	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
)

// ImageError marks an unreadable or corrupt source image.
type ImageError struct {
	Path string
	Err  error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("unreadable image %s: %v", e.Path, e.Err)
}

func (e *ImageError) Unwrap() error {
	return e.Err
}

// supportedFormats is the exact accepted set; names as registered with
// the image package decoders.
var supportedFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"bmp":  true,
}

// Process prepares a raster image for the thermal head and writes it to
// outputPath. The step order matters: animated sources are flattened to
// their first frame, transparency is composited onto white, rotation
// happens before resizing so width-fitting sees the final aspect ratio,
// downscaling never upscales, and 1-bit conversion comes last.
func Process(sourcePath, outputPath string, maxWidth int, rotate, toBitonal bool) (string, error) {
	img, err := imaging.Open(sourcePath)
	if err != nil {
		return "", &ImageError{Path: sourcePath, Err: err}
	}

	img = flattenToOpaque(img)

	if rotate {
		img = imaging.Rotate90(img)
		logger.Debug("Rotated image 90 degrees", zap.String("source", sourcePath))
	}

	bounds := img.Bounds()
	if maxWidth > 0 && bounds.Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
		logger.Debug("Resized image to printer width",
			zap.Int("from_width", bounds.Dx()),
			zap.Int("to_width", maxWidth))
	}

	if toBitonal {
		img = ToBitonal(img)
	}

	if err := imaging.Save(img, outputPath); err != nil {
		return "", fmt.Errorf("failed to save processed image: %w", err)
	}

	logger.Info("Processed image",
		zap.String("source", sourcePath),
		zap.String("output", outputPath),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()))

	return outputPath, nil
}

// flattenToOpaque composites any image with possible transparency onto a
// white background, which also normalizes exotic color modes to RGB.
// Grayscale images pass through untouched.
func flattenToOpaque(img image.Image) image.Image {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return img
	}

	bounds := img.Bounds()
	background := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(background, background.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(background, background.Bounds(), img, bounds.Min, draw.Over)
	return background
}

// ToBitonal converts to 1-bit using Floyd-Steinberg error diffusion.
func ToBitonal(img image.Image) image.Image {
	d := dither.NewDitherer([]color.Color{color.Black, color.White})
	d.Matrix = dither.FloydSteinberg
	return d.Dither(img)
}

// Validate reports whether path is a decodable image in the accepted
// format set {JPEG, PNG, GIF, BMP}. Never panics or returns an error;
// anything unreadable is simply not valid.
func Validate(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	_, format, err := image.DecodeConfig(f)
	if err != nil {
		return false
	}
	if !supportedFormats[format] {
		logger.Warn("Unsupported image format", zap.String("path", path), zap.String("format", format))
		return false
	}
	return true
}

// Metadata describes a source image.
type Metadata struct {
	Format   string
	Width    int
	Height   int
	Animated bool
}

// Info returns basic metadata for a source image.
func Info(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ImageError{Path: path, Err: err}
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, &ImageError{Path: path, Err: err}
	}

	meta := &Metadata{Format: format, Width: cfg.Width, Height: cfg.Height}

	if format == "gif" {
		if _, err := f.Seek(0, 0); err == nil {
			if g, err := gif.DecodeAll(f); err == nil {
				meta.Animated = len(g.Image) > 1
			}
		}
	}
	return meta, nil
}
