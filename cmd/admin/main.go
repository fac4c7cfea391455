package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"wordchat/backend/internal/chathub"
	"wordchat/backend/internal/config"
	"wordchat/backend/internal/localization"
	"wordchat/backend/internal/pubsub"
	"wordchat/backend/internal/storage"
)

const usage = `Usage: admin <command> [args]

Commands:
  cleanup                      delete stale waiting entries and expired closed rooms
  expire-idle                  close rooms past their inactivity deadline or TTL
  close-room <room_id> [reason] close a room for both participants`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("WORDCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Store.Driver != "postgres" {
		log.Fatalf("admin needs the shared store; set WORDCHAT_STORE_DRIVER=postgres")
	}

	// No logger for the CLI; results go to stdout.
	store, err := storage.OpenPostgres(cfg.Store.DSN, nil)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer store.Close()

	// Close notifications reach connected clients only through Redis.
	var bus pubsub.Bus = pubsub.NewMemory()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		bus = pubsub.NewRedis(rdb, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch command := os.Args[1]; command {
	case "cleanup":
		c := chathub.NewCleanupService(store, cfg.Matching, cfg.Cleanup, nil)
		report, err := c.RunCleanup(ctx, time.Now())
		fmt.Printf("Deleted %d waiting entries and %d rooms.\n", report.WaitingDeleted, report.RoomsDeleted)
		if err != nil {
			log.Fatalf("Cleanup incomplete: %v", err)
		}
	case "expire-idle":
		rooms, err := roomManager(store, bus, cfg)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		n, err := rooms.ExpireIdleRooms(ctx)
		fmt.Printf("Closed %d rooms.\n", n)
		if err != nil {
			log.Fatalf("Expiry incomplete: %v", err)
		}
	case "close-room":
		if len(os.Args) < 3 || len(os.Args) > 4 {
			fmt.Println("Usage: admin close-room <room_id> [reason]")
			os.Exit(1)
		}
		reason := ""
		if len(os.Args) == 4 {
			reason = os.Args[3]
		}
		rooms, err := roomManager(store, bus, cfg)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		closed, err := rooms.CloseRoom(ctx, os.Args[2], reason)
		if err != nil {
			log.Fatalf("Error closing room: %v", err)
		}
		if closed {
			fmt.Printf("Room %s has been closed.\n", os.Args[2])
		} else {
			fmt.Printf("Room %s was already closed.\n", os.Args[2])
		}
	default:
		fmt.Println("Unknown command")
		fmt.Println(usage)
		os.Exit(1)
	}
}

func roomManager(s storage.Storage, bus pubsub.Bus, cfg *config.Config) (*chathub.RoomManager, error) {
	loc, err := localization.NewLocalizer()
	if err != nil {
		return nil, err
	}
	return chathub.NewRoomManager(s, bus, nil, loc, cfg.Room, nil), nil
}
