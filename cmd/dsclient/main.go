// Package main is the entry point for dsclient, a small command-line
// deepstream client used for manual testing and demonstration.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nugget/deepstream-go"
	"github.com/nugget/deepstream-go/internal/dsconfig"
	"github.com/nugget/deepstream-go/transport/dswebsocket"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		fmt.Println("dsclient - deepstream protocol client")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  subscribe <name>   Subscribe to an event and print every publish")
		fmt.Println("  emit <name> <msg>  Publish a string event")
		fmt.Println("  presence           Print presence join/leave notifications")
		fmt.Println()
		fmt.Println("Flags:")
		flag.PrintDefaults()
		return
	}

	switch flag.Arg(0) {
	case "subscribe":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: dsclient subscribe <name>")
			os.Exit(1)
		}
		runSubscribe(logger, *configPath, flag.Arg(1))
	case "emit":
		if flag.NArg() < 3 {
			fmt.Fprintln(os.Stderr, "usage: dsclient emit <name> <message>")
			os.Exit(1)
		}
		runEmit(logger, *configPath, flag.Arg(1), flag.Arg(2))
	case "presence":
		runPresence(logger, *configPath)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func loadClient(logger *slog.Logger, configPath string) (*deepstream.Client, *dsconfig.Config, error) {
	cfgPath, err := dsconfig.FindConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := dsconfig.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level, err := dsconfig.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn("config", "error", err)
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: dsconfig.ReplaceLogLevelNames,
		}))
	}

	client := deepstream.New(func() deepstream.Transport {
		return dswebsocket.New(dswebsocket.WithLogger(logger))
	}, cfg.URL, deepstream.Options{
		ConnectOptions: deepstream.ConnectOptions{
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			MaxRedirects:         cfg.MaxRedirects,
		},
		Logger: logger,
	})

	return client, cfg, nil
}

// login builds the auth params from cfg and blocks until the server has
// accepted or rejected them.
func login(client *deepstream.Client, cfg *dsconfig.Config) error {
	authParams, err := json.Marshal(struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{cfg.Username, cfg.Password})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	client.Login(authParams, func(_ []byte, err error) { done <- err })
	return <-done
}

func runSubscribe(logger *slog.Logger, configPath, name string) {
	client, cfg, err := loadClient(logger, configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		logger.Error("connect", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := login(client, cfg); err != nil {
		logger.Error("login", "error", err)
		os.Exit(1)
	}

	client.Event().Subscribe(name, func(data []byte) {
		value, err := deepstream.Decode(data)
		if err != nil {
			fmt.Printf("%s: %q (undecodable: %v)\n", name, data, err)
			return
		}
		fmt.Printf("%s: %s\n", name, value)
	})

	<-ctx.Done()
}

func runEmit(logger *slog.Logger, configPath, name, message string) {
	client, cfg, err := loadClient(logger, configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		logger.Error("connect", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := login(client, cfg); err != nil {
		logger.Error("login", "error", err)
		os.Exit(1)
	}

	if err := client.Event().Emit(name, deepstream.EncodeString(message)); err != nil {
		logger.Error("emit", "error", err)
		os.Exit(1)
	}
}

func runPresence(logger *slog.Logger, configPath string) {
	client, cfg, err := loadClient(logger, configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		logger.Error("connect", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := login(client, cfg); err != nil {
		logger.Error("login", "error", err)
		os.Exit(1)
	}

	client.Presence().Subscribe(func(username string, isJoin bool) {
		if isJoin {
			fmt.Printf("+ %s joined\n", username)
		} else {
			fmt.Printf("- %s left\n", username)
		}
	})

	client.Presence().GetAll(func(usernames []string) {
		fmt.Printf("currently online: %v\n", usernames)
	})

	<-ctx.Done()
}
