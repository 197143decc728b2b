package banner

import (
	"os"
	"sync"

	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
)

// Ordered monospace candidates per host platform. The first parseable
// file wins; if none load, rendering degrades to the built-in bitmap face.
var defaultFontPaths = []string{
	"/usr/share/fonts/truetype/dejavu/DejaVuSansMono.ttf",
	"/usr/share/fonts/truetype/liberation/LiberationMono-Regular.ttf",
	"/usr/share/fonts/truetype/freefont/FreeMono.ttf",
	"/usr/share/fonts/truetype/ubuntu/UbuntuMono-R.ttf",
	"/System/Library/Fonts/Supplemental/Courier New.ttf", // macOS
	"C:\\Windows\\Fonts\\consola.ttf",                    // Windows
}

var (
	fontMu     sync.Mutex
	fontPaths  = defaultFontPaths
	fontLoaded bool
	monoFont   *sfnt.Font
)

// SetFontPaths overrides the font search list (tests). Returns the
// previous list.
func SetFontPaths(paths []string) []string {
	fontMu.Lock()
	defer fontMu.Unlock()
	prev := fontPaths
	fontPaths = paths
	fontLoaded = false
	monoFont = nil
	return prev
}

// loadMonoFont parses the first available monospace font file. Returns
// nil when no candidate loads; callers fall back to basicfont.
func loadMonoFont() *sfnt.Font {
	fontMu.Lock()
	defer fontMu.Unlock()

	if fontLoaded {
		return monoFont
	}
	fontLoaded = true

	for _, path := range fontPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		f, err := opentype.Parse(data)
		if err != nil {
			logger.Warn("Failed to parse font file", zap.String("path", path), zap.Error(err))
			continue
		}
		logger.Info("Loaded banner font", zap.String("path", path))
		monoFont = f
		return monoFont
	}

	logger.Warn("No monospace font found, using built-in bitmap font")
	return nil
}

// newFace returns a face at the requested pixel size, or the fixed-size
// built-in face when no font file is available.
func newFace(size int) font.Face {
	f := loadMonoFont()
	if f == nil {
		return basicfont.Face7x13
	}

	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    float64(size),
		DPI:     72,
		Hinting: font.HintingNone,
	})
	if err != nil {
		logger.Warn("Failed to create font face", zap.Int("size", size), zap.Error(err))
		return basicfont.Face7x13
	}
	return face
}

// measureString returns the tight pixel bounds of text in the given face.
func measureString(face font.Face, text string) (bounds fixedBounds) {
	d := font.Drawer{Face: face}
	b, _ := d.BoundString(text)
	bounds.MinX = b.Min.X
	bounds.MinY = b.Min.Y
	bounds.Width = (b.Max.X - b.Min.X).Ceil()
	bounds.Height = (b.Max.Y - b.Min.Y).Ceil()
	return bounds
}
