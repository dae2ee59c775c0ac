package main

import (
	"log"
	"os"
	"time"

	"chatternest/internal/api"
	"chatternest/internal/auth"
	"chatternest/internal/chat"
	"chatternest/internal/chatstore"
	"chatternest/internal/completion"
	"chatternest/internal/config"
	"chatternest/internal/profile"
	"chatternest/internal/redis"
	"chatternest/internal/storage"
	"chatternest/internal/window"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env: %v", err)
	}

	cfgPath := os.Getenv("CHATTERNEST_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("CHATTERNEST_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// Redis is optional. Without it the server still runs; only
	// cross-instance fan-out and token caching are lost.
	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, continuing without cache: %v", err)
		rdb = nil
	}
	defer rdb.Close()

	store := chatstore.New(db, rdb)
	builder := window.NewBuilder(cfg.BasicConfig.WindowSize)
	completer := completion.NewClient(cfg.Completion, nil)
	chats := chat.NewManager(store, builder, completer)

	authService := auth.NewService(db, rdb, 24*time.Hour)
	go chats.Run(authService.Watch())

	profiles := profile.NewService(db, rdb)
	handlers := api.NewHandler(authService, profiles, chats)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
