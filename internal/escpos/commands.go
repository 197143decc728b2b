package escpos

import (
	"image"
	"image/color"
)

const gs = 0x1d

// ResetScaleCmd returns GS ! 0x00, the 1x1 font scale. Emitted before and
// after any non-default scale so scale state never leaks between jobs.
func ResetScaleCmd() []byte {
	return []byte{gs, 0x21, 0x00}
}

// ScaleByte encodes the GS ! size byte: width-1 in bits 4-6, height-1 in
// bits 0-2. Multipliers outside 1-8 are clamped.
func ScaleByte(width, height int) byte {
	return byte((clampScale(width)-1)<<4 | (clampScale(height) - 1))
}

// SetScaleCmd returns the composite size command for the given
// width/height multipliers.
func SetScaleCmd(width, height int) []byte {
	return []byte{gs, 0x21, ScaleByte(width, height)}
}

// CutCmd returns the full paper cut command (GS V 0).
func CutCmd() []byte {
	return []byte{gs, 0x56, 0x00}
}

// maxRasterRows is the per-command row limit; the GS v 0 height field is
// two bytes.
const maxRasterRows = 0xffff

// RasterCmd frames a bitmap as GS v 0 raster payloads: 1 bit per pixel,
// MSB first, rows padded to whole bytes, black = 1. Images taller than
// the two-byte height field are emitted as consecutive bands, which the
// device prints as one contiguous image.
func RasterCmd(img image.Image) []byte {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	widthBytes := (width + 7) / 8

	var cmd []byte
	for band := 0; band < height; band += maxRasterRows {
		rows := height - band
		if rows > maxRasterRows {
			rows = maxRasterRows
		}

		cmd = append(cmd, gs, 0x76, 0x30, 0x00)
		cmd = append(cmd, intLowHigh(widthBytes, 2)...)
		cmd = append(cmd, intLowHigh(rows, 2)...)

		data := make([]byte, widthBytes*rows)
		for y := 0; y < rows; y++ {
			for x := 0; x < width; x++ {
				if isBlack(img.At(bounds.Min.X+x, bounds.Min.Y+band+y)) {
					data[y*widthBytes+x/8] |= 0x80 >> (x % 8)
				}
			}
		}
		cmd = append(cmd, data...)
	}
	return cmd
}

// intLowHigh encodes an integer as count little-endian bytes.
func intLowHigh(value, count int) []byte {
	out := make([]byte, count)
	for i := 0; i < count; i++ {
		out[i] = byte(value >> (8 * i))
	}
	return out
}

func isBlack(c color.Color) bool {
	return color.GrayModel.Convert(c).(color.Gray).Y < 128
}

func clampScale(n int) int {
	if n < 1 {
		return 1
	}
	if n > 8 {
		return 8
	}
	return n
}
