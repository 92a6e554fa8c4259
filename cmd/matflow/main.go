package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"matflow/config"
	"matflow/engine"
	"matflow/livestate"
	"matflow/messaging"
	"matflow/store"
	"matflow/www"
)

var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "matflow.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional dotenv file with secrets")
	addr := flag.String("addr", "", "listen address, overrides web.host and web.port")
	noMessaging := flag.Bool("no-messaging", false, "run without a message broker")
	flag.Parse()

	if *showVersion {
		fmt.Println("matflow", Version)
		return
	}

	if err := config.LoadEnv(*envPath); err != nil {
		log.Fatalf("load env: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Factory.Validate(); err != nil {
		log.Fatalf("factory config: %v", err)
	}

	// Database
	db, err := store.Open(&cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	log.Printf("matflow: database open (%s)", cfg.Database.Driver)

	// Redis is optional; without it the engine caches nothing and locks
	// in-process.
	var redisStore *livestate.RedisStore
	if cfg.Redis.Address != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("matflow: redis not available (%v), running without cache", err)
			redisClient.Close()
		} else {
			log.Printf("matflow: redis connected (%s)", cfg.Redis.Address)
			redisStore = livestate.NewRedisStore(redisClient)
			defer redisClient.Close()
		}
		cancel()
	}

	// Messaging client
	var msgClient *messaging.Client
	if !*noMessaging {
		msgClient = messaging.NewClient(&cfg.Messaging)
		if err := msgClient.Connect(); err != nil {
			log.Printf("matflow: messaging connect failed (%v)", err)
		} else {
			log.Printf("matflow: messaging connected (%s)", cfg.Messaging.Backend)
		}
		defer msgClient.Close()
	}

	// Engine
	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		DB:         db,
		Redis:      redisStore,
		MsgClient:  msgClient,
	})
	eng.Start()
	defer eng.Stop()

	// Web server
	handler, stopWeb := www.NewRouter(eng)

	listen := *addr
	if listen == "" {
		listen = fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	}
	srv := &http.Server{
		Addr:    listen,
		Handler: handler,
	}

	go func() {
		log.Printf("matflow: web server listening on %s", listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("web server: %v", err)
		}
	}()

	log.Printf("matflow: ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("matflow: shutting down...")
	stopWeb()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	log.Printf("matflow: stopped")
}
