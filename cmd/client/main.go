// Package main provides an interactive CLI client for the relay server. Each
// line typed on stdin is submitted as a query; streamed fragments are printed
// as they arrive.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/client"
	"chatrelay/internal/protocol"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "server WebSocket URL")
	session := flag.String("session", "", "session ID to resume (empty for a new session)")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "interval between heartbeat pings")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", 10*time.Second, "time to wait for a pong")
	backoffMin := flag.Duration("backoff-min", time.Second, "initial reconnect delay")
	backoffMax := flag.Duration("backoff-max", 30*time.Second, "reconnect delay cap")
	verbose := flag.Bool("v", false, "log transport activity")
	flag.Parse()

	logger := zerolog.Nop()
	if *verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	states := make(chan client.State, 8)
	tr, err := client.New(client.Config{
		URL:                 *addr,
		SessionID:           *session,
		HeartbeatInterval:   *heartbeat,
		HeartbeatTimeout:    *heartbeatTimeout,
		ReconnectMinBackoff: *backoffMin,
		ReconnectMaxBackoff: *backoffMax,
		Logger:              logger,
		OnMessage:           printMessage,
		OnStateChange: func(s client.State) {
			select {
			case states <- s:
			default:
			}
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer tr.Close()

	go func() {
		for s := range states {
			if s == client.StateOpen {
				fmt.Fprintf(os.Stderr, "* connected, session %s\n", tr.SessionID())
				continue
			}
			fmt.Fprintf(os.Stderr, "* transport %s\n", s)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		tr.Close()
		os.Exit(0)
	}()

	fmt.Fprintln(os.Stderr, "Type a query and press enter. Ctrl+C to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if _, err := tr.Query(text); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
	}
}

func printMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeQueryStart:
		// Fragments follow; nothing to print yet.
	case protocol.TypeChunk:
		var p protocol.ChunkPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			fmt.Print(p.Content)
		}
	case protocol.TypeComplete:
		fmt.Println()
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			fmt.Fprintf(os.Stderr, "\n! %s: %s\n", p.Code, p.Message)
		}
	}
}
