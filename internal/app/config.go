package app

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
)

// BrokerConfig defines how the local dev broker should run.
type BrokerConfig struct {
	Addr      string
	UploadDir string
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	BaseURL  string // REST and image base, http(s)
	WSURL    string // broker endpoint, ws(s)
	RoomID   string
	UserID   string
	UserName string
	Token    string // explicit token; empty means the persisted session chain resolves it
	DBPath   string
	LogPath  string
	Debug    bool
}

// LoadEnv merges a .env file into the process environment when one exists.
// Missing files are fine; real env vars always win.
func LoadEnv() {
	_ = godotenv.Load()
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("CHATBOARD_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("CHATBOARD_DATA_DIR"); env != "" {
		return filepath.Join(env, "chatboard.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatboard", "chatboard.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Chatboard", "chatboard.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Chatboard", "chatboard.db")
		}
		return filepath.Join(home, ".local", "share", "chatboard", "chatboard.db")
	}
	return filepath.Join(".", ".chatboard", "chatboard.db")
}

// DefaultLogPath puts the session log next to the database.
func DefaultLogPath() string {
	if env := os.Getenv("CHATBOARD_LOG_PATH"); env != "" {
		return env
	}
	return filepath.Join(filepath.Dir(DefaultDBPath()), "chatboard.log")
}

// DefaultUploadDir is where the dev broker keeps uploaded images.
func DefaultUploadDir() string {
	if env := os.Getenv("CHATBOARD_UPLOAD_DIR"); env != "" {
		return env
	}
	return filepath.Join(filepath.Dir(DefaultDBPath()), "uploads")
}
