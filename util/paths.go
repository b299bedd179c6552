package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path holding settings.json,
// history.db and the uploads directory. BLUEDROP_DIR overrides the
// default for tests and non-standard installs.
func GetDataDir() string {
	if envDir := os.Getenv("BLUEDROP_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".bluedrop")
}

// GetUploadsDir returns the directory where finalized transfers land,
// creating it if needed.
func GetUploadsDir() string {
	dir := filepath.Join(GetDataDir(), "uploads")
	if err := os.MkdirAll(dir, 0755); err != nil {
		panic(err)
	}
	return dir
}

// GetSettingsPath returns the settings file location.
func GetSettingsPath() string {
	return filepath.Join(GetDataDir(), "settings.json")
}

// GetHistoryPath returns the transfer-ledger database location.
func GetHistoryPath() string {
	return filepath.Join(GetDataDir(), "history.db")
}

// ShortID trims an identifier for log prefixes: UUIDs and MAC addresses
// stay readable at eight characters.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
