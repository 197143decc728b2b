package banner

import (
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nantokaworks/ding-station/internal/imagepipe"
	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

// ValidationError marks bad renderer input, a caller bug rather than a
// device or image problem.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

const (
	minFontSize   = 10
	maxFontSize   = 500
	maxIterations = 20
	marginX       = 20

	// Fraction of the device width used as the text height target; the
	// rest is margin.
	heightFraction = 0.7
)

type fixedBounds struct {
	MinX   fixed.Int26_6
	MinY   fixed.Int26_6
	Width  int
	Height int
}

// fitFontSize binary-searches the pixel size whose measured text height
// best approaches target without exceeding it. Iteration-capped so the
// search always terminates; 50 is returned when it never brackets.
func fitFontSize(text string, target int) int {
	lo, hi := minFontSize, maxFontSize
	best := 50

	for i := 0; i < maxIterations; i++ {
		mid := (lo + hi) / 2
		h := measureString(newFace(mid), text).Height

		switch {
		case h < target:
			lo = mid + 1
			best = mid
		case h > target:
			hi = mid - 1
		default:
			return mid
		}
	}
	return best
}

// Render draws a single line of text as a horizontal bitmap sized for
// sideways banner printing: canvas height equals the device width in
// dots, text height targets 70% of it, vertically centered, black on
// white, 1-bit output.
func Render(text, outputPath string, deviceWidth int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", &ValidationError{Reason: "banner text cannot be empty"}
	}
	if deviceWidth < 1 {
		deviceWidth = 384
	}

	target := int(float64(deviceWidth) * heightFraction)
	size := fitFontSize(text, target)
	face := newFace(size)
	bounds := measureString(face, text)

	logger.Debug("Rendering banner",
		zap.Int("font_size", size),
		zap.Int("text_width", bounds.Width),
		zap.Int("text_height", bounds.Height))

	imgWidth := bounds.Width + 2*marginX
	imgHeight := deviceWidth
	marginY := (imgHeight - bounds.Height) / 2

	canvas := imaging.New(imgWidth, imgHeight, color.White)

	d := font.Drawer{
		Dst:  canvas,
		Src:  image.Black,
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(marginX) - bounds.MinX,
			Y: fixed.I(marginY) - bounds.MinY,
		},
	}
	d.DrawString(text)

	out := imagepipe.ToBitonal(canvas)
	if err := imaging.Save(out, outputPath); err != nil {
		return "", err
	}

	logger.Info("Banner rendered",
		zap.String("output", outputPath),
		zap.Int("width", imgWidth),
		zap.Int("height", imgHeight),
		zap.Int("chars", len(text)))

	return outputPath, nil
}

// CharLimit estimates how many characters fit in a banner for the given
// device width, assuming a maximum print run of 10x the device width in
// pixels. Advisory only; the renderer does not enforce it.
func CharLimit(deviceWidth int) int {
	if deviceWidth < 1 {
		deviceWidth = 384
	}

	target := int(float64(deviceWidth) * heightFraction)
	size := fitFontSize("M", target)
	charWidth := measureString(newFace(size), "M").Width
	if charWidth <= 0 {
		return 50
	}

	maxLengthPixels := deviceWidth * 10
	return maxLengthPixels / charWidth
}
