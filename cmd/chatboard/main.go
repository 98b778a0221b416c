package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	intrnl "chatboard/internal"
	"chatboard/internal/app"
)

const (
	modeBroker = "broker"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	app.LoadEnv()

	mode, args := parseMode(os.Args[1:])
	flagSet := flag.NewFlagSet("chatboard", flag.ExitOnError)
	addr := flagSet.String("addr", envOrDefault("CHATBOARD_ADDR", defaultAddrForMode(mode)), "broker listen address")
	baseURL := flagSet.String("base-url", envOrDefault("CHATBOARD_BASE_URL", "http://localhost:8080"), "REST and image base URL")
	wsURL := flagSet.String("ws-url", envOrDefault("CHATBOARD_WS_URL", "ws://localhost:8080/ws"), "websocket broker URL")
	userID := flagSet.String("user", envOrDefault("CHATBOARD_USER_ID", ""), "user id")
	userName := flagSet.String("name", envOrDefault("CHATBOARD_USER_NAME", ""), "display name")
	token := flagSet.String("token", envOrDefault("CHATBOARD_TOKEN", ""), "auth token (persisted for later sessions)")
	db := flagSet.String("db", envOrDefault("CHATBOARD_DB_PATH", ""), "sqlite database path")
	uploadDir := flagSet.String("upload-dir", envOrDefault("CHATBOARD_UPLOAD_DIR", ""), "broker upload directory")
	debug := flagSet.Bool("debug", false, "verbose logging")
	version := flagSet.Bool("version", false, "print version and exit")
	_ = flagSet.Parse(args)

	if *version {
		fmt.Println(intrnl.VersionString())
		return
	}

	roomID := ""
	if remaining := flagSet.Args(); len(remaining) > 0 {
		roomID = remaining[0]
	}

	if *userName == "" {
		*userName = intrnl.DefaultUsername()
	}
	if *userID == "" {
		*userID = *userName
	}

	brokerCfg := app.BrokerConfig{
		Addr:      *addr,
		UploadDir: *uploadDir,
	}
	clientCfg := app.ClientConfig{
		BaseURL:  *baseURL,
		WSURL:    *wsURL,
		RoomID:   roomID,
		UserID:   *userID,
		UserName: *userName,
		Token:    *token,
		DBPath:   *db,
		Debug:    *debug,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case modeBroker:
		err = runBrokerMode(ctx, brokerCfg)
	case modeLocal:
		err = runLocalMode(ctx, brokerCfg, clientCfg)
	default:
		err = app.RunClient(clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "chatboard: %v\n", err)
		os.Exit(1)
	}
}

func runBrokerMode(ctx context.Context, cfg app.BrokerConfig) error {
	handle, err := app.RunBroker(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("chatboard broker listening on %s\n", handle.Addr())
	return handle.Wait()
}

// runLocalMode spins up an in-process broker and points the client at it.
func runLocalMode(ctx context.Context, brokerCfg app.BrokerConfig, clientCfg app.ClientConfig) error {
	handle, err := app.RunBroker(ctx, brokerCfg)
	if err != nil {
		return err
	}
	defer stopBroker(handle)

	if err := waitForBroker(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.BaseURL = "http://" + handle.Addr()
	clientCfg.WSURL = "ws://" + handle.Addr() + "/ws"

	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopBroker(handle)
	return handle.Wait()
}

func waitForBroker(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("broker did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeBroker, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func defaultAddrForMode(mode string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return ":8080"
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func stopBroker(handle *app.BrokerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
