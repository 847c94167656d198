package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/sonnun/
//   - Linux:   $XDG_DATA_HOME/sonnun/ or ~/.local/share/sonnun/
//   - Windows: %APPDATA%\sonnun\
//
// Falls back to ~/.sonnun elsewhere.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "sonnun")
	case "linux":
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "sonnun")
		}
		return filepath.Join(homeDir(), ".local", "share", "sonnun")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "sonnun")
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", "sonnun")
	default:
		return filepath.Join(homeDir(), ".sonnun")
	}
}

// PlatformConfigDir returns the platform-specific config directory. Only
// Linux separates config from data.
func PlatformConfigDir() string {
	if runtime.GOOS == "linux" {
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "sonnun")
		}
		return filepath.Join(homeDir(), ".config", "sonnun")
	}
	return PlatformDataDir()
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}
