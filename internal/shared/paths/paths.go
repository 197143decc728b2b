package paths

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the base directory for all persistent data.
// Overridable with DATA_DIR for tests and packaging.
func GetDataDir() string {
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		return dir
	}
	return "data"
}

// GetDBPath returns the sqlite database path.
func GetDBPath() string {
	return filepath.Join(GetDataDir(), "ding.db")
}

// GetStoreDir returns the directory for uploaded and rendered artifacts
// (processed images, rotated banners). Artifacts are kept for retry and
// later retrieval, never auto-deleted.
func GetStoreDir() string {
	return filepath.Join(GetDataDir(), "store")
}

// EnsureDataDirs creates the data directories if missing.
func EnsureDataDirs() error {
	for _, dir := range []string{GetDataDir(), GetStoreDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
