package settings

import (
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"go.uber.org/zap"
)

type SettingType string

const (
	SettingTypeNormal SettingType = "normal"
	SettingTypeSecret SettingType = "secret"
)

type Setting struct {
	Key         string      `json:"key"`
	Value       string      `json:"value"`
	Type        SettingType `json:"type"`
	Required    bool        `json:"required"`
	Description string      `json:"description"`
	UpdatedAt   time.Time   `json:"updated_at"`
	HasValue    bool        `json:"has_value"`
}

// SettingsManager reads and writes the settings table. Callers construct
// one per operation and read fresh values; nothing is cached, so operators
// can adjust the device configuration without restarting the worker.
type SettingsManager struct {
	db *sql.DB
}

func NewSettingsManager(db *sql.DB) *SettingsManager {
	return &SettingsManager{db: db}
}

var DefaultSettings = map[string]Setting{
	// Printer transport
	"PRINTER_VENDOR_ID": {
		Key: "PRINTER_VENDOR_ID", Value: "0x0416", Type: SettingTypeNormal, Required: true,
		Description: "USB vendor id of the printer (hex)",
	},
	"PRINTER_PRODUCT_ID": {
		Key: "PRINTER_PRODUCT_ID", Value: "0x5011", Type: SettingTypeNormal, Required: true,
		Description: "USB product id of the printer (hex)",
	},
	"PRINTER_DEVICE_PATH": {
		Key: "PRINTER_DEVICE_PATH", Value: "/dev/usb/lp0", Type: SettingTypeNormal, Required: false,
		Description: "Fallback character device path",
	},
	"DRY_RUN_MODE": {
		Key: "DRY_RUN_MODE", Value: "false", Type: SettingTypeNormal, Required: false,
		Description: "Render jobs but skip the physical printer",
	},

	// Paper handling
	"DOTS_PER_LINE": {
		Key: "DOTS_PER_LINE", Value: "384", Type: SettingTypeNormal, Required: false,
		Description: "Printer width in addressable dots",
	},
	"FEED_BEFORE_LINES": {
		Key: "FEED_BEFORE_LINES", Value: "1", Type: SettingTypeNormal, Required: false,
		Description: "Blank lines fed before each job",
	},
	"FEED_AFTER_LINES": {
		Key: "FEED_AFTER_LINES", Value: "3", Type: SettingTypeNormal, Required: false,
		Description: "Blank lines fed after each job",
	},
	"CUT_PAPER": {
		Key: "CUT_PAPER", Value: "true", Type: SettingTypeNormal, Required: false,
		Description: "Cut paper after each job",
	},

	// Per-size font geometry (ESC/POS multipliers, 1-8) and line budgets.
	// Stylized art frames eat a few columns, hence the separate budget.
	"FONT_SMALL_WIDTH": {
		Key: "FONT_SMALL_WIDTH", Value: "1", Type: SettingTypeNormal, Required: false,
		Description: "Width multiplier for small font",
	},
	"FONT_SMALL_HEIGHT": {
		Key: "FONT_SMALL_HEIGHT", Value: "1", Type: SettingTypeNormal, Required: false,
		Description: "Height multiplier for small font",
	},
	"FONT_SMALL_TEXT_CHARS_PER_LINE": {
		Key: "FONT_SMALL_TEXT_CHARS_PER_LINE", Value: "42", Type: SettingTypeNormal, Required: false,
		Description: "Characters per line for small plain text",
	},
	"FONT_SMALL_ART_CHARS_PER_LINE": {
		Key: "FONT_SMALL_ART_CHARS_PER_LINE", Value: "36", Type: SettingTypeNormal, Required: false,
		Description: "Characters per line for small stylized text",
	},
	"FONT_MEDIUM_WIDTH": {
		Key: "FONT_MEDIUM_WIDTH", Value: "2", Type: SettingTypeNormal, Required: false,
		Description: "Width multiplier for medium font",
	},
	"FONT_MEDIUM_HEIGHT": {
		Key: "FONT_MEDIUM_HEIGHT", Value: "2", Type: SettingTypeNormal, Required: false,
		Description: "Height multiplier for medium font",
	},
	"FONT_MEDIUM_TEXT_CHARS_PER_LINE": {
		Key: "FONT_MEDIUM_TEXT_CHARS_PER_LINE", Value: "21", Type: SettingTypeNormal, Required: false,
		Description: "Characters per line for medium plain text",
	},
	"FONT_MEDIUM_ART_CHARS_PER_LINE": {
		Key: "FONT_MEDIUM_ART_CHARS_PER_LINE", Value: "18", Type: SettingTypeNormal, Required: false,
		Description: "Characters per line for medium stylized text",
	},
	"FONT_LARGE_WIDTH": {
		Key: "FONT_LARGE_WIDTH", Value: "3", Type: SettingTypeNormal, Required: false,
		Description: "Width multiplier for large font",
	},
	"FONT_LARGE_HEIGHT": {
		Key: "FONT_LARGE_HEIGHT", Value: "3", Type: SettingTypeNormal, Required: false,
		Description: "Height multiplier for large font",
	},
	"FONT_LARGE_TEXT_CHARS_PER_LINE": {
		Key: "FONT_LARGE_TEXT_CHARS_PER_LINE", Value: "14", Type: SettingTypeNormal, Required: false,
		Description: "Characters per line for large plain text",
	},
	"FONT_LARGE_ART_CHARS_PER_LINE": {
		Key: "FONT_LARGE_ART_CHARS_PER_LINE", Value: "12", Type: SettingTypeNormal, Required: false,
		Description: "Characters per line for large stylized text",
	},
}

// GetSetting returns the stored value or the default for known keys.
func (sm *SettingsManager) GetSetting(key string) (string, error) {
	var value string
	err := sm.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		if defaultSetting, exists := DefaultSettings[key]; exists {
			return defaultSetting.Value, nil
		}
		return "", fmt.Errorf("setting not found: %s", key)
	}
	return value, err
}

// GetInt returns the setting parsed as an integer, or def on any failure.
func (sm *SettingsManager) GetInt(key string, def int) int {
	value, err := sm.GetSetting(key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		logger.Warn("Setting is not an integer", zap.String("key", key), zap.String("value", value))
		return def
	}
	return n
}

// GetBool returns the setting parsed as a boolean, or def on any failure.
func (sm *SettingsManager) GetBool(key string, def bool) bool {
	value, err := sm.GetSetting(key)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		logger.Warn("Setting is not a boolean", zap.String("key", key), zap.String("value", value))
		return def
	}
	return b
}

func (sm *SettingsManager) SetSetting(key, value string) error {
	defaultSetting, exists := DefaultSettings[key]
	if !exists {
		return fmt.Errorf("unknown setting key: %s", key)
	}

	_, err := sm.db.Exec(`
		INSERT INTO settings (key, value, setting_type, is_required, description)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`,
		key, value,
		string(defaultSetting.Type),
		defaultSetting.Required,
		defaultSetting.Description,
	)
	return err
}

func (sm *SettingsManager) GetAllSettings() (map[string]Setting, error) {
	rows, err := sm.db.Query(`
		SELECT key, value, setting_type, is_required, description, updated_at
		FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]Setting)
	for rows.Next() {
		var s Setting
		var settingType string
		var description sql.NullString
		err := rows.Scan(&s.Key, &s.Value, &settingType, &s.Required, &description, &s.UpdatedAt)
		if err != nil {
			return nil, err
		}
		s.Type = SettingType(settingType)
		s.Description = description.String
		s.HasValue = s.Value != ""
		settings[s.Key] = s
	}

	// Fill in defaults for keys never written to the DB.
	for key, defaultSetting := range DefaultSettings {
		if _, exists := settings[key]; !exists {
			settings[key] = defaultSetting
		}
	}

	return settings, nil
}

// FontGeometry returns the ESC/POS width/height multipliers for a size.
func (sm *SettingsManager) FontGeometry(size string) (width, height int) {
	if size == "" {
		size = "medium"
	}
	prefix := "FONT_" + upper(size)
	width = sm.GetInt(prefix+"_WIDTH", 1)
	height = sm.GetInt(prefix+"_HEIGHT", 1)
	return width, height
}

// CharsPerLine returns the character budget for a size, using the separate
// stylized-art budget when requested.
func (sm *SettingsManager) CharsPerLine(size string, stylized bool) int {
	if size == "" {
		size = "medium"
	}
	kind := "TEXT"
	if stylized {
		kind = "ART"
	}
	return sm.GetInt("FONT_"+upper(size)+"_"+kind+"_CHARS_PER_LINE", 32)
}

func upper(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}

// MigrateFromEnv seeds settings from environment variables when no DB
// value exists yet. Lets a .env-configured install move to DB settings.
func (sm *SettingsManager) MigrateFromEnv() error {
	migrated := 0

	for key := range DefaultSettings {
		var existingKey string
		if err := sm.db.QueryRow("SELECT key FROM settings WHERE key = ?", key).Scan(&existingKey); err == nil {
			continue
		}

		if envValue := os.Getenv(key); envValue != "" {
			if err := sm.SetSetting(key, envValue); err != nil {
				logger.Error("Failed to migrate setting", zap.String("key", key), zap.Error(err))
				return fmt.Errorf("failed to migrate %s: %w", key, err)
			}
			logger.Info("Migrated setting from environment", zap.String("key", key))
			migrated++
		}
	}

	if migrated > 0 {
		logger.Info("Settings migration completed", zap.Int("migrated_count", migrated))
	}
	return nil
}

var hexIDPattern = regexp.MustCompile(`^0[xX][0-9A-Fa-f]{1,4}$`)

// ValidateSetting rejects nonsense values before they reach the printer.
func ValidateSetting(key, value string) error {
	switch key {
	case "PRINTER_VENDOR_ID", "PRINTER_PRODUCT_ID":
		if !hexIDPattern.MatchString(value) {
			return fmt.Errorf("must be a hex id like 0x0416")
		}
	case "DOTS_PER_LINE":
		if val, err := strconv.Atoi(value); err != nil || val < 8 || val > 4096 {
			return fmt.Errorf("must be integer between 8 and 4096")
		}
	case "FEED_BEFORE_LINES", "FEED_AFTER_LINES":
		if val, err := strconv.Atoi(value); err != nil || val < 0 || val > 50 {
			return fmt.Errorf("must be integer between 0 and 50")
		}
	case "FONT_SMALL_WIDTH", "FONT_SMALL_HEIGHT",
		"FONT_MEDIUM_WIDTH", "FONT_MEDIUM_HEIGHT",
		"FONT_LARGE_WIDTH", "FONT_LARGE_HEIGHT":
		if val, err := strconv.Atoi(value); err != nil || val < 1 || val > 8 {
			return fmt.Errorf("must be integer between 1 and 8")
		}
	case "CUT_PAPER", "DRY_RUN_MODE":
		if value != "true" && value != "false" {
			return fmt.Errorf("must be 'true' or 'false'")
		}
	}
	return nil
}

// InitializeDefaultSettings writes defaults for any key missing from the DB.
func (sm *SettingsManager) InitializeDefaultSettings() error {
	for key, setting := range DefaultSettings {
		var existingKey string
		if err := sm.db.QueryRow("SELECT key FROM settings WHERE key = ?", key).Scan(&existingKey); err == nil {
			continue
		}

		if err := sm.SetSetting(key, setting.Value); err != nil {
			return fmt.Errorf("failed to initialize setting %s: %w", key, err)
		}
	}
	return nil
}
