package escpos

import (
	"fmt"
	"image"
	"strings"

	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"go.uber.org/zap"
)

// DeviceProtocolError marks a failed emission after a successful
// connection.
type DeviceProtocolError struct {
	Op  string
	Err error
}

func (e *DeviceProtocolError) Error() string {
	return fmt.Sprintf("device write failed during %s: %v", e.Op, e.Err)
}

func (e *DeviceProtocolError) Unwrap() error {
	return e.Err
}

// Printer emits ESC/POS commands over a transport. It holds no state
// beyond the connection; all observable effects are the bytes written.
type Printer struct {
	t Transport
}

func NewPrinter(t Transport) *Printer {
	return &Printer{t: t}
}

func (p *Printer) write(op string, data []byte) error {
	if _, err := p.t.Write(data); err != nil {
		return &DeviceProtocolError{Op: op, Err: err}
	}
	return nil
}

// Text sends raw text bytes. Callers are expected to have run the payload
// through textprep first.
func (p *Printer) Text(s string) error {
	return p.write("text", []byte(s))
}

// Feed emits n blank lines.
func (p *Printer) Feed(lines int) error {
	if lines <= 0 {
		return nil
	}
	return p.write("feed", []byte(strings.Repeat("\n", lines)))
}

// SetScale applies the font scale. The reset byte always goes first so a
// clean 1x1 base is guaranteed regardless of prior device state.
func (p *Printer) SetScale(width, height int) error {
	if err := p.write("scale reset", ResetScaleCmd()); err != nil {
		return err
	}
	return p.write("scale set", SetScaleCmd(width, height))
}

// ResetScale restores the default 1x1 scale.
func (p *Printer) ResetScale() error {
	return p.write("scale reset", ResetScaleCmd())
}

// Cut cuts the paper.
func (p *Printer) Cut() error {
	return p.write("cut", CutCmd())
}

// Image streams a bitmap as a raster payload.
func (p *Printer) Image(img image.Image) error {
	return p.write("raster", RasterCmd(img))
}

// Close releases the connection. Close errors are logged and swallowed so
// a failed close never masks the job's real outcome.
func (p *Printer) Close() {
	if p == nil || p.t == nil {
		return
	}
	if err := p.t.Close(); err != nil {
		logger.Warn("Error closing printer connection",
			zap.String("transport", p.t.Name()),
			zap.Error(err))
		return
	}
	logger.Debug("Printer connection closed", zap.String("transport", p.t.Name()))
}
