package worker

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nantokaworks/ding-station/internal/escpos"
	"github.com/nantokaworks/ding-station/internal/localdb"
	"github.com/nantokaworks/ding-station/internal/shared/paths"
)

// captureDevice hands out one connection at a time and records every byte
// written across all connections. Concurrent opens are a bug: the device
// lock must serialize jobs.
type captureDevice struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	open    int32
	maxOpen int32
	opens   int32
}

func (d *captureDevice) dial() (escpos.Transport, error) {
	n := atomic.AddInt32(&d.open, 1)
	atomic.AddInt32(&d.opens, 1)
	for {
		max := atomic.LoadInt32(&d.maxOpen)
		if n <= max || atomic.CompareAndSwapInt32(&d.maxOpen, max, n) {
			break
		}
	}
	return &captureConn{d: d}, nil
}

func (d *captureDevice) bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.buf.Bytes()...)
}

type captureConn struct {
	d *captureDevice
}

func (c *captureConn) Write(p []byte) (int, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	return c.d.buf.Write(p)
}

func (c *captureConn) Close() error {
	atomic.AddInt32(&c.d.open, -1)
	return nil
}

func (c *captureConn) Name() string { return "capture" }

type refusingDevice struct{}

func (refusingDevice) dial() (escpos.Transport, error) {
	return nil, &escpos.ConnectionError{Err: errors.New("no usb device, no character device")}
}

func setupWorkerTest(t *testing.T) *captureDevice {
	t.Helper()
	t.Setenv("DATA_DIR", t.TempDir())
	if err := paths.EnsureDataDirs(); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}
	if _, err := localdb.SetupDB(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("SetupDB: %v", err)
	}
	t.Cleanup(func() { localdb.Close() })
	return &captureDevice{}
}

// scaleBytes extracts the argument of every GS ! command in the stream.
func scaleBytes(stream []byte) []byte {
	var out []byte
	for i := 0; i+2 < len(stream); i++ {
		if stream[i] == 0x1d && stream[i+1] == 0x21 {
			out = append(out, stream[i+2])
		}
	}
	return out
}

func TestProcessTextJob(t *testing.T) {
	dev := setupWorkerTest(t)
	w := New(10)
	w.SetDialer(dev.dial)

	id, err := localdb.CreateJob(1, localdb.JobKindText, localdb.StylePlain, "hello printer", "", localdb.FontMedium)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	w.process(id)

	job, err := localdb.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != localdb.JobStatusSuccess {
		t.Fatalf("status = %q (error %q), want success", job.Status, job.ErrorMessage)
	}
	if job.CompletedAt == nil {
		t.Fatalf("successful job missing completed_at")
	}

	stream := dev.bytes()
	if !bytes.Contains(stream, []byte("hello printer")) {
		t.Fatalf("stream missing text payload: %q", stream)
	}
	if !bytes.Contains(stream, []byte{0x1d, 0x56, 0x00}) {
		t.Fatalf("stream missing cut command")
	}
	if stream[0] != '\n' {
		t.Fatalf("stream does not start with the feed-before line")
	}

	// Scale hygiene: the sequence starts with a reset and ends with a
	// reset, so no scale state outlives the job.
	scales := scaleBytes(stream)
	if len(scales) < 3 {
		t.Fatalf("expected reset/set/reset scale commands, got % x", scales)
	}
	if scales[0] != 0x00 || scales[len(scales)-1] != 0x00 {
		t.Fatalf("scale sequence % x does not start and end at 1x1", scales)
	}
	// Medium font is a 2x2 scale.
	if scales[1] != 0x11 {
		t.Fatalf("medium scale byte = 0x%02x, want 0x11", scales[1])
	}

	if n := atomic.LoadInt32(&dev.opens); n != 1 {
		t.Fatalf("job opened %d connections, want exactly 1", n)
	}
}

func TestProcessImageJob(t *testing.T) {
	dev := setupWorkerTest(t)
	w := New(10)
	w.SetDialer(dev.dial)

	imgPath := filepath.Join(paths.GetStoreDir(), "photo.png")
	writeTestPNG(t, imgPath, 600, 300)

	id, err := localdb.CreateJob(1, localdb.JobKindImage, localdb.StylePlain, "", imgPath, "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	w.process(id)

	job, err := localdb.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != localdb.JobStatusSuccess {
		t.Fatalf("status = %q (error %q), want success", job.Status, job.ErrorMessage)
	}

	// Processed artifact kept next to the source for retry.
	if _, err := os.Stat(filepath.Join(paths.GetStoreDir(), "processed_photo.png")); err != nil {
		t.Fatalf("processed artifact missing: %v", err)
	}

	stream := dev.bytes()
	// GS v 0 raster header with 384/8 = 48 width bytes.
	if !bytes.Contains(stream, []byte{0x1d, 0x76, 0x30, 0x00, 0x30, 0x00}) {
		t.Fatalf("stream missing raster command for a 384-dot row")
	}
}

func TestProcessTextWithImageJob(t *testing.T) {
	dev := setupWorkerTest(t)
	w := New(10)
	w.SetDialer(dev.dial)

	imgPath := filepath.Join(paths.GetStoreDir(), "photo.png")
	writeTestPNG(t, imgPath, 100, 100)

	id, err := localdb.CreateJob(1, localdb.JobKindTextWithImage, localdb.StylePlain, "the caption", imgPath, localdb.FontSmall)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	w.process(id)

	job, err := localdb.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != localdb.JobStatusSuccess {
		t.Fatalf("status = %q (error %q), want success", job.Status, job.ErrorMessage)
	}

	stream := dev.bytes()
	rasterAt := bytes.Index(stream, []byte{0x1d, 0x76, 0x30})
	captionAt := bytes.Index(stream, []byte("the caption"))
	if rasterAt < 0 || captionAt < 0 {
		t.Fatalf("stream missing raster or caption")
	}
	if captionAt < rasterAt {
		t.Fatalf("caption printed before the image")
	}
}

func TestProcessBannerJob(t *testing.T) {
	dev := setupWorkerTest(t)
	w := New(10)
	w.SetDialer(dev.dial)

	id, err := localdb.CreateJob(1, localdb.JobKindText, localdb.StyleBanner, "HELLO", "", localdb.FontBanner)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	w.process(id)

	job, err := localdb.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != localdb.JobStatusSuccess {
		t.Fatalf("status = %q (error %q), want success", job.Status, job.ErrorMessage)
	}

	// The rotated artifact is kept; the intermediate is not.
	rotated := filepath.Join(paths.GetStoreDir(), fmt.Sprintf("banner_%d.png", id))
	if _, err := os.Stat(rotated); err != nil {
		t.Fatalf("rotated banner artifact missing: %v", err)
	}
	intermediate := filepath.Join(paths.GetStoreDir(), fmt.Sprintf("banner_temp_%d.png", id))
	if _, err := os.Stat(intermediate); !os.IsNotExist(err) {
		t.Fatalf("banner intermediate still present")
	}

	// Rotated banner is deviceWidth dots wide: 384/8 = 48 width bytes.
	if !bytes.Contains(dev.bytes(), []byte{0x1d, 0x76, 0x30, 0x00, 0x30, 0x00}) {
		t.Fatalf("stream missing raster command for the rotated banner")
	}
}

func TestConnectionFailureMarksJobFailed(t *testing.T) {
	setupWorkerTest(t)
	w := New(10)
	w.SetDialer(refusingDevice{}.dial)

	id, err := localdb.CreateJob(1, localdb.JobKindText, localdb.StylePlain, "hi", "", localdb.FontMedium)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	w.process(id)

	job, err := localdb.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != localdb.JobStatusFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Fatalf("failed job missing error message")
	}
	if job.CompletedAt == nil {
		t.Fatalf("failed job missing completed_at")
	}
}

func TestMissingImageMarksJobFailed(t *testing.T) {
	dev := setupWorkerTest(t)
	w := New(10)
	w.SetDialer(dev.dial)

	id, err := localdb.CreateJob(1, localdb.JobKindImage, localdb.StylePlain, "", "/nonexistent/photo.png", "")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	w.process(id)

	job, err := localdb.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != localdb.JobStatusFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}
	// Rendering failed before any connection was attempted.
	if n := atomic.LoadInt32(&dev.opens); n != 0 {
		t.Fatalf("failed render still opened %d connections", n)
	}
}

func TestDeviceAccessIsExclusive(t *testing.T) {
	dev := setupWorkerTest(t)
	w := New(20)
	w.SetDialer(dev.dial)

	var ids []int64
	for i := 0; i < 6; i++ {
		id, err := localdb.CreateJob(1, localdb.JobKindText, localdb.StylePlain, "job", "", localdb.FontSmall)
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		ids = append(ids, id)
	}

	w.Start(4)
	for _, id := range ids {
		if err := w.Submit(id); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		done := 0
		for _, id := range ids {
			job, err := localdb.GetJob(id)
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if job.Status == localdb.JobStatusSuccess || job.Status == localdb.JobStatusFailed {
				done++
			}
		}
		if done == len(ids) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("jobs did not finish: %d/%d", done, len(ids))
		}
		time.Sleep(20 * time.Millisecond)
	}
	w.Stop()

	if max := atomic.LoadInt32(&dev.maxOpen); max != 1 {
		t.Fatalf("max concurrent device connections = %d, want 1", max)
	}
	if opens := atomic.LoadInt32(&dev.opens); opens != int32(len(ids)) {
		t.Fatalf("device opened %d times, want one fresh connection per job (%d)", opens, len(ids))
	}
}

func TestEnqueueBacklogSubmitsEachJobOnce(t *testing.T) {
	setupWorkerTest(t)
	w := New(10)

	pendingID, err := localdb.CreateJob(1, localdb.JobKindText, localdb.StylePlain, "queued", "", localdb.FontMedium)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	interruptedID, err := localdb.CreateJob(1, localdb.JobKindText, localdb.StylePlain, "mid-print", "", localdb.FontMedium)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := localdb.MarkProcessing(interruptedID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	doneID, err := localdb.CreateJob(1, localdb.JobKindText, localdb.StylePlain, "done", "", localdb.FontMedium)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := localdb.MarkProcessing(doneID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := localdb.MarkSuccess(doneID); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}

	n, err := w.EnqueueBacklog()
	if err != nil {
		t.Fatalf("EnqueueBacklog: %v", err)
	}
	if n != 2 {
		t.Fatalf("EnqueueBacklog enqueued %d jobs, want 2", n)
	}
	if got := len(w.queue); got != 2 {
		t.Fatalf("queue holds %d entries, want 2 (no double submission)", got)
	}

	seen := map[int64]int{}
	for i := 0; i < 2; i++ {
		seen[<-w.queue]++
	}
	if seen[pendingID] != 1 || seen[interruptedID] != 1 {
		t.Fatalf("queue contents = %v, want each backlog id exactly once", seen)
	}

	job, err := localdb.GetJob(interruptedID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != localdb.JobStatusPending {
		t.Fatalf("interrupted job status = %q, want pending", job.Status)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	setupWorkerTest(t)
	w := New(1)

	if err := w.Submit(1); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := w.Submit(2); err == nil {
		t.Fatalf("Submit on a full queue succeeded")
	}
}

func TestRetryResetsAndRequeues(t *testing.T) {
	setupWorkerTest(t)
	w := New(10)
	w.SetDialer(refusingDevice{}.dial)

	id, err := localdb.CreateJob(1, localdb.JobKindText, localdb.StylePlain, "hi", "", localdb.FontMedium)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	w.process(id)

	job, err := localdb.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != localdb.JobStatusFailed {
		t.Fatalf("status = %q, want failed", job.Status)
	}

	dev := &captureDevice{}
	w.SetDialer(dev.dial)
	if err := w.Retry(id); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	job, err = localdb.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != localdb.JobStatusPending || job.ErrorMessage != "" {
		t.Fatalf("after Retry: status=%q error=%q", job.Status, job.ErrorMessage)
	}

	// Retry only resets failed jobs.
	if err := w.Retry(id); err == nil {
		t.Fatalf("Retry on a pending job succeeded")
	}

	// The requeued id processes normally.
	jobID := <-w.queue
	w.process(jobID)
	job, err = localdb.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != localdb.JobStatusSuccess {
		t.Fatalf("retried job status = %q (error %q), want success", job.Status, job.ErrorMessage)
	}
}

func TestProcessSkipsNonPendingJob(t *testing.T) {
	dev := setupWorkerTest(t)
	w := New(10)
	w.SetDialer(dev.dial)

	id, err := localdb.CreateJob(1, localdb.JobKindText, localdb.StylePlain, "hi", "", localdb.FontMedium)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	w.process(id)
	before := atomic.LoadInt32(&dev.opens)

	// Double submit: the job is already terminal, so nothing happens.
	w.process(id)

	job, err := localdb.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != localdb.JobStatusSuccess {
		t.Fatalf("status = %q, want success", job.Status)
	}
	if after := atomic.LoadInt32(&dev.opens); after != before {
		t.Fatalf("duplicate process opened another connection")
	}
}

func writeTestPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}
