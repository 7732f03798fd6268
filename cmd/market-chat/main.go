package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"market_core/internal/client"
	"market_core/internal/config"
	"market_core/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

const version = "1.0.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "-v", "--version":
			fmt.Printf("market-chat v%s\n", version)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		default:
			fmt.Printf("Unknown command: %s\n", os.Args[1])
			printHelp()
			os.Exit(1)
		}
	}

	// The terminal belongs to the UI; logs go to a file when asked for.
	var logOut io.Writer = io.Discard
	if path := os.Getenv("MARKET_LOG_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug})))

	cfg, err := config.LoadClientConfig()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	userID, err := uuid.Parse(cfg.UserID)
	if err != nil {
		fmt.Println("Error: MARKET_USER_ID must be set to your user id")
		os.Exit(1)
	}
	deviceID := uuid.Nil
	if cfg.DeviceID != "" {
		if deviceID, err = uuid.Parse(cfg.DeviceID); err != nil {
			fmt.Printf("Error: invalid MARKET_DEVICE_ID: %v\n", err)
			os.Exit(1)
		}
	}

	api := client.New(cfg.APIURL, userID, deviceID)

	var stream tui.Stream
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	conn, err := api.Connect(ctx)
	cancel()
	if err != nil {
		slog.Warn("Live updates unavailable", "error", err)
	} else {
		defer conn.Close()
		stream = conn
	}

	p := tea.NewProgram(tui.NewModel(api, stream, userID), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	help := `market-chat - Terminal client for marketplace conversations

Usage:
  market-chat              Start the client
  market-chat version      Show version information
  market-chat help         Show this help message

Environment:
  MARKET_API_URL           Server address (default http://localhost:8080)
  MARKET_USER_ID           Your user id (required)
  MARKET_DEVICE_ID         Device id for presence (optional)
  MARKET_LOG_FILE          Write debug logs to this file

Conversations:
  tab / shift+tab          Switch between All, Unread, Offers and Active
  ↑/↓ or j/k               Navigate
  enter                    Open conversation
  r                        Refresh
  q                        Quit

Chat:
  enter                    Send message or command
  /offer <amount> [note]   Make an offer
  /counter <amount> [note] Counter the latest offer
  /accept                  Accept the offer awaiting your answer
  /decline                 Decline the offer awaiting your answer
  esc                      Back to conversations
  ctrl+c                   Quit
`
	fmt.Print(help)
}
