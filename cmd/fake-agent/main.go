// ABOUTME: Minimal fake agent for E2E testing: connects over WebSocket, identifies, prints pushes.
// ABOUTME: Usage: fake-agent [-url ws://localhost:8080] -token abc
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

func main() {
	url := flag.String("url", "ws://localhost:8080", "gateway agent WebSocket URL")
	token := flag.String("token", "", "session token to identify with")
	once := flag.Bool("once", false, "exit instead of reconnecting when the connection drops")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "-token is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *url, *token, *once); err != nil {
		log.Fatal(err)
	}
}

// run keeps one session alive, reconnecting with exponential backoff.
func run(ctx context.Context, url, token string, once bool) error {
	backoff := minBackoff
	for {
		connected, err := session(ctx, url, token)
		if ctx.Err() != nil {
			return nil // graceful shutdown
		}
		if once {
			return err
		}
		if connected {
			backoff = minBackoff
		}

		log.Printf("disconnected: %v (retrying in %s)", err, backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session dials, identifies, and prints pushes until the connection fails.
// connected reports whether the dial succeeded.
func session(ctx context.Context, url, token string) (connected bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	if err := conn.WriteJSON(map[string]string{"token": token}); err != nil {
		return true, fmt.Errorf("failed to identify: %w", err)
	}
	log.Printf("connected to %s as %q", url, token)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, errors.New("closed by gateway")
			}
			return true, err
		}
		printPush(data)
	}
}

func printPush(data []byte) {
	var push struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &push); err != nil || push.Action == "" {
		log.Printf("received unrecognized message: %s", data)
		return
	}
	log.Printf("received %s: %s", push.Action, data)
}
