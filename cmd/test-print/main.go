package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nantokaworks/ding-station/internal/env"
	"github.com/nantokaworks/ding-station/internal/localdb"
	"github.com/nantokaworks/ding-station/internal/settings"
	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"github.com/nantokaworks/ding-station/internal/shared/paths"
	"github.com/nantokaworks/ding-station/internal/worker"
	"go.uber.org/zap"
)

// Operator smoke tool: submits one job and waits for its terminal state.
func main() {
	text := flag.String("text", "", "text to print")
	image := flag.String("image", "", "path to an image to print")
	style := flag.String("style", "plain", "content style: plain, stylized, banner")
	fontSize := flag.String("font", "medium", "font size: small, medium, large, banner")
	timeout := flag.Duration("timeout", 60*time.Second, "how long to wait for the job")
	flag.Parse()

	logger.Init(false)
	defer logger.Sync()

	if *text == "" && *image == "" {
		fmt.Fprintln(os.Stderr, "usage: test-print -text <message> and/or -image <path>")
		os.Exit(2)
	}

	if err := paths.EnsureDataDirs(); err != nil {
		logger.Fatal("Failed to ensure data directories", zap.Error(err))
	}
	db, err := localdb.SetupDB(paths.GetDBPath())
	if err != nil {
		logger.Fatal("Failed to setup database", zap.Error(err))
	}
	env.LoadEnv()

	sm := settings.NewSettingsManager(db)
	if err := sm.InitializeDefaultSettings(); err != nil {
		logger.Fatal("Failed to initialize settings", zap.Error(err))
	}

	kind := localdb.JobKindText
	switch {
	case *text != "" && *image != "":
		kind = localdb.JobKindTextWithImage
	case *image != "":
		kind = localdb.JobKindImage
	}

	jobID, err := localdb.CreateJob(0, kind, localdb.ContentStyle(*style), *text, *image, localdb.FontSize(*fontSize))
	if err != nil {
		logger.Fatal("Failed to create job", zap.Error(err))
	}

	w := worker.New(env.Value.QueueSize)
	w.Start(1)
	defer w.Stop()

	if err := w.Submit(jobID); err != nil {
		logger.Fatal("Failed to submit job", zap.Error(err))
	}

	deadline := time.Now().Add(*timeout)
	for time.Now().Before(deadline) {
		job, err := localdb.GetJob(jobID)
		if err != nil {
			logger.Fatal("Failed to read job", zap.Error(err))
		}
		switch job.Status {
		case localdb.JobStatusSuccess:
			logger.Info("Test print succeeded", zap.Int64("job_id", jobID))
			return
		case localdb.JobStatusFailed:
			logger.Error("Test print failed", zap.Int64("job_id", jobID), zap.String("error", job.ErrorMessage))
			os.Exit(1)
		}
		time.Sleep(200 * time.Millisecond)
	}

	logger.Error("Timed out waiting for job", zap.Int64("job_id", jobID))
	os.Exit(1)
}
