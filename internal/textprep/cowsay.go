package textprep

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"go.uber.org/zap"
)

// Locator resolves an external tool to an executable path. Injectable so
// tests can substitute a fake instead of touching PATH or the filesystem.
type Locator func(name string) (string, bool)

// toolTimeout bounds the external generator; a hung cowsay must not stall
// the print worker.
const toolTimeout = 5 * time.Second

// Well-known install locations checked after PATH. Debian puts cowsay
// under /usr/games, which is rarely on a service's PATH.
var commonToolDirs = []string{
	"/usr/games",
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
}

var locate Locator = systemLocator

// SetLocator replaces the tool locator and returns the previous one.
func SetLocator(l Locator) Locator {
	prev := locate
	locate = l
	return prev
}

func systemLocator(name string) (string, bool) {
	if path, err := exec.LookPath(name); err == nil {
		return path, true
	}

	for _, dir := range commonToolDirs {
		candidate := dir + "/" + name
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0111 != 0 {
			return candidate, true
		}
	}
	return "", false
}

// generateArt renders text inside a cowsay speech bubble. Every failure
// mode is recovered by the caller via plain wrapping; the error never
// reaches the job.
func generateArt(text string, maxWidth int) (string, error) {
	toolPath, ok := locate("cowsay")
	if !ok {
		logger.Warn("cowsay not found, falling back to plain text")
		return "", fmt.Errorf("cowsay not found")
	}

	encoded := EncodeForPrinter(text)

	ctx, cancel := context.WithTimeout(context.Background(), toolTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, toolPath, "-W", strconv.Itoa(maxWidth), encoded)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			logger.Warn("cowsay timed out, falling back to plain text")
			return "", fmt.Errorf("cowsay timed out")
		}
		logger.Warn("cowsay failed, falling back to plain text", zap.Error(err))
		return "", fmt.Errorf("cowsay failed: %w", err)
	}

	return string(out), nil
}
