package worker

import (
	"fmt"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nantokaworks/ding-station/internal/escpos"
	"github.com/nantokaworks/ding-station/internal/localdb"
	"github.com/nantokaworks/ding-station/internal/settings"
	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"go.uber.org/zap"
)

// Worker pulls queued jobs and drives them through rendering and device
// emission. The device mutex is the single exclusive-access token: at most
// one job touches the printer at any time, and the job row is only mutated
// while it is held.
type Worker struct {
	queue  chan int64
	stopCh chan struct{}
	wg     sync.WaitGroup

	// deviceMu serializes the full render+emit critical section per job.
	deviceMu sync.Mutex

	// dial overrides the settings-driven connection; tests inject a
	// byte-capture transport here.
	dial escpos.Dialer
}

// New creates a worker with a bounded queue. Submissions beyond the queue
// capacity are rejected rather than blocking the caller.
func New(queueSize int) *Worker {
	if queueSize < 1 {
		queueSize = 100
	}
	return &Worker{
		queue:  make(chan int64, queueSize),
		stopCh: make(chan struct{}),
	}
}

// SetDialer replaces the device connection strategy (tests).
func (w *Worker) SetDialer(d escpos.Dialer) {
	w.dial = d
}

// Start launches n queue consumers.
func (w *Worker) Start(n int) {
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		w.wg.Add(1)
		go w.consume()
	}
	logger.Info("Print worker started", zap.Int("consumers", n), zap.Int("queue_size", cap(w.queue)))
}

// Stop drains nothing: queued but unprocessed jobs stay pending in the DB
// and are recovered on the next boot. In-flight jobs run to a terminal
// state.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	logger.Info("Print worker stopped")
}

// Submit enqueues a job for asynchronous processing and returns
// immediately. A full queue rejects the submission.
func (w *Worker) Submit(jobID int64) error {
	select {
	case w.queue <- jobID:
		return nil
	default:
		logger.Error("Print queue is full, rejecting job", zap.Int64("job_id", jobID))
		return fmt.Errorf("print queue is full")
	}
}

// EnqueueBacklog resets jobs interrupted mid-processing back to pending,
// then enqueues every pending job exactly once. Recovered jobs are
// pending by the time the sweep runs, so they are not submitted twice.
// Returns how many jobs were enqueued.
func (w *Worker) EnqueueBacklog() (int, error) {
	if _, err := localdb.RecoverInterruptedJobs(); err != nil {
		return 0, err
	}

	jobs, err := localdb.ListJobs(localdb.JobFilter{Status: localdb.JobStatusPending})
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, job := range jobs {
		if err := w.Submit(job.ID); err != nil {
			logger.Error("Failed to enqueue pending job", zap.Int64("job_id", job.ID), zap.Error(err))
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

// Retry resets a failed job to pending (clearing its error and completion
// time) and re-enqueues it.
func (w *Worker) Retry(jobID int64) error {
	if err := localdb.ResetJob(jobID); err != nil {
		return err
	}
	return w.Submit(jobID)
}

func (w *Worker) consume() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case jobID := <-w.queue:
			w.process(jobID)
		}
	}
}

// process runs one job to a terminal state. Errors from rendering or the
// device become a failed job with a human-readable message; they never
// crash the consumer.
func (w *Worker) process(jobID int64) {
	trace, _ := gonanoid.New()

	w.deviceMu.Lock()
	defer w.deviceMu.Unlock()

	job, err := localdb.GetJob(jobID)
	if err != nil {
		logger.Error("Job not found", zap.Int64("job_id", jobID), zap.String("trace", trace), zap.Error(err))
		return
	}

	if err := localdb.MarkProcessing(jobID); err != nil {
		// Not pending: double submit or a caller skipping the retry
		// reset. Leave the row alone.
		logger.Warn("Skipping job", zap.Int64("job_id", jobID), zap.String("trace", trace), zap.Error(err))
		return
	}

	logger.Info("Processing print job",
		zap.Int64("job_id", jobID),
		zap.String("trace", trace),
		zap.String("kind", string(job.Kind)),
		zap.String("style", string(job.ContentStyle)))

	sm := settings.NewSettingsManager(localdb.GetDB())

	if err := w.dispatch(job, sm); err != nil {
		logger.Error("Print job failed",
			zap.Int64("job_id", jobID),
			zap.String("trace", trace),
			zap.Error(err))
		if dbErr := localdb.MarkFailed(jobID, err.Error()); dbErr != nil {
			logger.Error("Failed to record job failure", zap.Int64("job_id", jobID), zap.Error(dbErr))
		}
		return
	}

	if err := localdb.MarkSuccess(jobID); err != nil {
		logger.Error("Failed to record job success", zap.Int64("job_id", jobID), zap.Error(err))
		return
	}

	logger.Info("Print job completed", zap.Int64("job_id", jobID), zap.String("trace", trace))
}

// dispatch selects the rendering+device path from (kind, contentStyle).
func (w *Worker) dispatch(job *localdb.Job, sm *settings.SettingsManager) error {
	switch job.Kind {
	case localdb.JobKindText:
		if job.ContentStyle == localdb.StyleBanner || job.FontSize == localdb.FontBanner {
			return w.printBanner(job, sm)
		}
		return w.printText(job, sm, job.ContentStyle == localdb.StyleStylized)

	case localdb.JobKindImage:
		rotate := job.ContentStyle == localdb.StyleBanner
		return w.printImage(job, sm, "", rotate)

	case localdb.JobKindTextWithImage:
		return w.printImage(job, sm, job.TextContent, false)

	default:
		return fmt.Errorf("unknown job kind: %s", job.Kind)
	}
}

// connect opens a fresh device connection for one job, honoring dry-run
// mode and the injected dialer.
func (w *Worker) connect(sm *settings.SettingsManager) (escpos.Transport, error) {
	if w.dial != nil {
		return w.dial()
	}

	if sm.GetBool("DRY_RUN_MODE", false) {
		logger.Info("Dry-run mode: printer output discarded")
		return discardTransport{}, nil
	}

	vendorID, _ := sm.GetSetting("PRINTER_VENDOR_ID")
	productID, _ := sm.GetSetting("PRINTER_PRODUCT_ID")
	devicePath, _ := sm.GetSetting("PRINTER_DEVICE_PATH")
	return escpos.Connect(vendorID, productID, devicePath)
}

// discardTransport swallows all output; used by dry-run mode.
type discardTransport struct{}

func (discardTransport) Write(p []byte) (int, error) { return len(p), nil }
func (discardTransport) Close() error                { return nil }
func (discardTransport) Name() string                { return "dry-run" }
