package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	intrnl "chatboard/internal"
	"chatboard/internal/logging"
	"chatboard/internal/storage"
)

// RunClient assembles the room session and launches the Bubble Tea TUI.
func RunClient(cfg ClientConfig) error {
	if cfg.BaseURL == "" || cfg.WSURL == "" {
		return errors.New("server URLs are required")
	}
	if cfg.RoomID == "" {
		return errors.New("room id is required")
	}
	if cfg.UserID == "" {
		return errors.New("user id is required")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	if cfg.LogPath == "" {
		cfg.LogPath = DefaultLogPath()
	}

	log := logging.New(cfg.LogPath, cfg.Debug)
	defer func() { _ = log.Sync() }()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	tokens := intrnl.NewSessionTokenSource(cfg.UserID, store, log)
	if cfg.Token != "" {
		tokens.SetOverride(cfg.Token)
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := tokens.SetToken(saveCtx, storage.Session{
			UserID:    cfg.UserID,
			Token:     cfg.Token,
			ExpiresAt: time.Now().Add(30 * 24 * time.Hour),
		})
		cancel()
		if err != nil {
			log.Warn("persist session failed")
		}
	}

	metrics := intrnl.NewMetrics()
	api := intrnl.NewAPIClient(cfg.BaseURL, tokens)
	cache := intrnl.NewImageCache(intrnl.DefaultCacheConfig(), log)
	picker := intrnl.NewImagePicker()

	room := intrnl.NewChatRoom(intrnl.RoomConfig{
		BaseURL:  cfg.BaseURL,
		WSURL:    cfg.WSURL,
		RoomID:   cfg.RoomID,
		UserID:   cfg.UserID,
		UserName: cfg.UserName,
	}, api, api, picker, cache, tokens, metrics, log)

	visitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.RecordRoomVisit(visitCtx, cfg.RoomID, cfg.UserID, time.Now()); err != nil {
		log.Warn("record room visit failed")
	}
	cancel()

	return intrnl.RunClient(room, picker, cache, metrics)
}
