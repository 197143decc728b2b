package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/nantokaworks/ding-station/internal/banner"
	"github.com/nantokaworks/ding-station/internal/escpos"
	"github.com/nantokaworks/ding-station/internal/imagepipe"
	"github.com/nantokaworks/ding-station/internal/localdb"
	"github.com/nantokaworks/ding-station/internal/settings"
	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"github.com/nantokaworks/ding-station/internal/shared/paths"
	"github.com/nantokaworks/ding-station/internal/textprep"
	"go.uber.org/zap"
)

// printText renders and emits a plain or stylized text job:
// feed-before, scale set, payload, trailing newline, scale reset,
// feed-after, cut.
func (w *Worker) printText(job *localdb.Job, sm *settings.SettingsManager, stylized bool) error {
	size := fontSizeOrDefault(job)
	maxWidth := sm.CharsPerLine(size, stylized)
	prepared := textprep.Prepare(job.TextContent, maxWidth, stylized)

	t, err := w.connect(sm)
	if err != nil {
		return err
	}
	p := escpos.NewPrinter(t)
	defer p.Close()

	if err := p.Feed(sm.GetInt("FEED_BEFORE_LINES", 1)); err != nil {
		return err
	}

	widthMul, heightMul := sm.FontGeometry(size)
	if err := p.SetScale(widthMul, heightMul); err != nil {
		return err
	}
	if err := p.Text(prepared); err != nil {
		return err
	}
	if err := p.Text("\n"); err != nil {
		return err
	}
	if err := p.ResetScale(); err != nil {
		return err
	}

	return w.finish(p, sm)
}

// printBanner renders the text as a bitmap sized to the device width,
// rotates it 90 degrees so the sideways text reads correctly, and emits
// it as an image with no caption. The rotated artifact is kept for retry;
// the pre-rotation intermediate is discarded.
func (w *Worker) printBanner(job *localdb.Job, sm *settings.SettingsManager) error {
	dots := sm.GetInt("DOTS_PER_LINE", 384)

	tempPath := filepath.Join(paths.GetStoreDir(), fmt.Sprintf("banner_temp_%d.png", job.ID))
	finalPath := filepath.Join(paths.GetStoreDir(), fmt.Sprintf("banner_%d.png", job.ID))

	if _, err := banner.Render(job.TextContent, tempPath, dots); err != nil {
		return err
	}

	img, err := imaging.Open(tempPath)
	if err != nil {
		return fmt.Errorf("failed to reopen rendered banner: %w", err)
	}
	rotated := imaging.Rotate90(img)
	if err := imaging.Save(rotated, finalPath); err != nil {
		return fmt.Errorf("failed to save rotated banner: %w", err)
	}
	if err := os.Remove(tempPath); err != nil {
		logger.Warn("Failed to remove banner intermediate", zap.String("path", tempPath), zap.Error(err))
	}

	t, err := w.connect(sm)
	if err != nil {
		return err
	}
	p := escpos.NewPrinter(t)
	defer p.Close()

	if err := p.Feed(sm.GetInt("FEED_BEFORE_LINES", 1)); err != nil {
		return err
	}
	if err := p.Image(rotated); err != nil {
		return err
	}

	return w.finish(p, sm)
}

// printImage processes the source image and emits it, followed by an
// optional caption. Captions are skipped entirely in rotated banner mode.
func (w *Worker) printImage(job *localdb.Job, sm *settings.SettingsManager, caption string, rotate bool) error {
	dots := sm.GetInt("DOTS_PER_LINE", 384)

	name := filepath.Base(job.ImagePath)
	processedPath := filepath.Join(filepath.Dir(job.ImagePath), "processed_"+name)

	if _, err := imagepipe.Process(job.ImagePath, processedPath, dots, rotate, true); err != nil {
		return err
	}
	img, err := imaging.Open(processedPath)
	if err != nil {
		return fmt.Errorf("failed to reopen processed image: %w", err)
	}

	t, err := w.connect(sm)
	if err != nil {
		return err
	}
	p := escpos.NewPrinter(t)
	defer p.Close()

	if err := p.Feed(sm.GetInt("FEED_BEFORE_LINES", 1)); err != nil {
		return err
	}
	if err := p.Image(img); err != nil {
		return err
	}

	if caption != "" && !rotate {
		if err := p.Text("\n"); err != nil {
			return err
		}
		size := fontSizeOrDefault(job)
		widthMul, heightMul := sm.FontGeometry(size)
		if err := p.SetScale(widthMul, heightMul); err != nil {
			return err
		}
		prepared := textprep.Prepare(caption, sm.CharsPerLine(size, false), false)
		if err := p.Text(prepared); err != nil {
			return err
		}
		if err := p.Text("\n"); err != nil {
			return err
		}
		if err := p.ResetScale(); err != nil {
			return err
		}
	}

	return w.finish(p, sm)
}

// finish applies the trailing feed and optional cut.
func (w *Worker) finish(p *escpos.Printer, sm *settings.SettingsManager) error {
	if err := p.Feed(sm.GetInt("FEED_AFTER_LINES", 3)); err != nil {
		return err
	}
	if sm.GetBool("CUT_PAPER", true) {
		return p.Cut()
	}
	return nil
}

func fontSizeOrDefault(job *localdb.Job) string {
	if job.FontSize == "" {
		return "medium"
	}
	return string(job.FontSize)
}
