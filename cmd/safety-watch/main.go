package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/safety/pkg/client"
)

func main() {
	var (
		wsURL    = flag.String("url", "ws://localhost:8081/ws", "safetyd WebSocket URL")
		channels = flag.String("channels", "*", "Comma-separated channels: vault, auction, rewards, orchestrator, vault:0x..., or *")
		timeout  = flag.Duration("timeout", 0, "Exit after this long (0 runs until interrupted)")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	logger.Info("Connecting to safetyd WebSocket", "url", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := client.NewClient(client.WithWebSocketURL(*wsURL))
	err := c.ConnectWebSocket(ctx, func(msg client.Message) {
		switch msg.Type {
		case "event":
			e, err := msg.Event()
			if err != nil {
				logger.Warn("Undecodable event", "error", err)
				return
			}
			args := []interface{}{"topic", e.Topic, "kind", e.Kind, "source", e.Source.Hex(), "time", e.Time}
			for k, v := range e.Fields {
				args = append(args, k, v)
			}
			logger.Info("Event", args...)
		case "snapshot":
			logger.Info("Snapshot", "channel", msg.Channel, "data", string(msg.Data))
		case "error":
			logger.Warn("Server error", "data", string(msg.Data))
		default:
			logger.Debug("Message received", "type", msg.Type, "channel", msg.Channel)
		}
	})
	if err != nil {
		logger.Error("Failed to connect", "error", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	list := strings.Split(*channels, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	if err := c.Subscribe(list...); err != nil {
		logger.Error("Failed to send subscription", "error", err)
		return
	}
	logger.Info("Subscription sent", "channels", list)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var deadline <-chan time.Time
	if *timeout > 0 {
		deadline = time.After(*timeout)
	}

	select {
	case <-c.Done():
		logger.Info("Connection closed")
	case <-interrupt:
		logger.Info("Interrupt received, closing connection")
	case <-deadline:
		logger.Info("Timeout reached")
	}

	logger.Info("WebSocket client terminated")
}
