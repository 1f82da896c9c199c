// Package main provides an interactive CLI chat session against the
// DuckDuckGo AI service.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/duckchat-go/duckchat/config"
	"github.com/duckchat-go/duckchat/duckchat"
)

func main() {
	godotenv.Load()
	cfg := config.Load()

	model := flag.String("model", cfg.Model, "Model identifier (see /models)")
	proxy := flag.String("proxy", cfg.ProxyURL, "Proxy URL for upstream requests")
	userAgent := flag.String("user-agent", cfg.UserAgent, "Pin the User-Agent header")
	retries := flag.Int("retries", cfg.MaxRetries, "Max attempts at a soft-blocked turn")
	delay := flag.Duration("delay", cfg.RetryDelay, "Delay between soft-block attempts")
	flag.Parse()

	log.SetFlags(log.Ltime)

	opts := []duckchat.Option{
		config.WithConfigModel(*model),
		duckchat.WithMaxRetries(*retries),
		duckchat.WithRetryDelay(*delay),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, duckchat.WithBaseURL(cfg.BaseURL))
	}
	if *proxy != "" {
		opts = append(opts, duckchat.WithProxy(*proxy))
	}
	if *userAgent != "" {
		opts = append(opts, duckchat.WithUserAgent(*userAgent))
	}

	client, err := duckchat.New(opts...)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	defer client.Close()

	fmt.Printf("Chatting with %s\n", client.Model())
	fmt.Println("Type a message and press Enter to send.")
	fmt.Println("Commands: /reask N, /history, /models, /quit")
	fmt.Println()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		default:
			if !scanner.Scan() {
				return
			}

			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}
			if strings.HasPrefix(input, "/") {
				if quit := runCommand(client, input); quit {
					return
				}
				continue
			}

			runTurn(client, func(ctx context.Context, sink func(string) error) (string, error) {
				return client.AskStream(ctx, input, sink)
			})
		}
	}
}

// runCommand dispatches a slash command. Returns true to exit.
func runCommand(client *duckchat.Client, input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit":
		fmt.Println("Bye!")
		return true
	case "/models":
		for _, m := range duckchat.Models() {
			fmt.Printf("  %s\n", m)
		}
	case "/history":
		for _, msg := range client.Messages() {
			fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
		}
	case "/reask":
		if len(fields) != 2 {
			fmt.Println("Usage: /reask N")
			return false
		}
		turn, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Println("Usage: /reask N")
			return false
		}
		runTurn(client, func(ctx context.Context, sink func(string) error) (string, error) {
			return client.ReaskStream(ctx, turn, sink)
		})
	default:
		fmt.Printf("Unknown command: %s\n", fields[0])
	}
	return false
}

// runTurn streams one turn to stdout, cancelling on Ctrl+C.
func runTurn(client *duckchat.Client, turn func(context.Context, func(string) error) (string, error)) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	_, err := turn(ctx, func(frag string) error {
		fmt.Print(frag)
		return nil
	})
	fmt.Println()
	if err != nil {
		log.Printf("Turn failed: %v", err)
		return
	}
	log.Printf("Answered in %s (%d turns)", time.Since(start).Round(time.Millisecond), client.Turns())
}
