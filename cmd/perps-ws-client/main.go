package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
)

type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://localhost:8081/ws", "WebSocket URL")
		channels = flag.String("channels", "events,prices", "Comma-separated channels to subscribe (events, prices, market:<i>, user:<hex>)")
		timeout  = flag.Duration("timeout", 0, "Disconnect after this duration (0 = run until interrupted)")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	logger.Info("Connecting to perps WebSocket", "url", *wsURL)

	u, err := url.Parse(*wsURL)
	if err != nil {
		logger.Error("Invalid URL", "error", err)
		os.Exit(1)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Error("Failed to connect", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	logger.Info("Connected to WebSocket")

	sub := SubscribeRequest{
		Type:     "subscribe",
		Channels: strings.Split(*channels, ","),
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Error("Failed to send subscription", "error", err)
		return
	}
	logger.Info("Subscription sent", "channels", *channels)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				logger.Warn("Read error", "error", err)
				return
			}

			if messageType == websocket.TextMessage {
				var msg Message
				if err := json.Unmarshal(message, &msg); err != nil {
					logger.Info("Raw message", "data", string(message))
					continue
				}
				logger.Info("Message received",
					"type", msg.Type,
					"channel", msg.Channel,
					"sequence", msg.Sequence)
				if msg.Data != nil {
					logger.Info("Message data", "data", fmt.Sprintf("%+v", msg.Data))
				}
			}
		}
	}()

	var expiry <-chan time.Time
	if *timeout > 0 {
		expiry = time.After(*timeout)
	}

	select {
	case <-done:
		logger.Info("Connection closed")
	case <-interrupt:
		logger.Info("Interrupt received, closing connection")
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			logger.Warn("Failed to send close message", "error", err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	case <-expiry:
		logger.Info("Timeout reached")
	}

	logger.Info("WebSocket client terminated")
}
