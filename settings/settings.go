// Package settings persists the daemon's small mutable configuration
// as a JSON file. Saves are atomic and keep one .bak generation, so a
// crash mid-write or a corrupted file never costs more than the last
// edit.
package settings

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/user/bluedrop/logger"
)

// Settings is everything bluedropd remembers between runs. An empty
// UploadDir means the standard uploads directory.
type Settings struct {
	DeviceName string `json:"device_name"`
	UploadDir  string `json:"upload_dir"`
	ListenAddr string `json:"listen_addr"`
	LogLevel   string `json:"log_level"`
}

func Default() Settings {
	return Settings{
		DeviceName: defaultDeviceName(),
		ListenAddr: "127.0.0.1:8737",
		LogLevel:   "info",
	}
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "bluedrop"
	}
	return host
}

// Load reads settings from path. A missing file yields defaults; an
// unreadable one falls back to the .bak generation. Only when both
// are unusable does Load return an error, along with defaults the
// caller can still run on.
func Load(path string) (Settings, error) {
	s, err := read(path)
	if err == nil {
		return s, nil
	}
	if os.IsNotExist(err) {
		return Default(), nil
	}
	logger.Warn("settings", "%s unreadable (%v), trying backup", path, err)
	if s, bakErr := read(path + ".bak"); bakErr == nil {
		return s, nil
	}
	return Default(), fmt.Errorf("settings: load %s: %w", path, err)
}

func read(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	// Unmarshal over defaults so keys absent from older files keep
	// their default values.
	s := Default()
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Save writes settings atomically, rotating the previous file to
// .bak.
func Save(path string, s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("settings: write %s: %w", tmp, err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("settings: rotate backup: %w", err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("settings: replace %s: %w", path, err)
	}
	return nil
}
