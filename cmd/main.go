package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"livechat-ws/internal/broadcast"
	"livechat-ws/internal/chat"
	"livechat-ws/internal/clock"
	"livechat-ws/internal/config"
	"livechat-ws/internal/delivery"
	"livechat-ws/internal/infrastructure/amqp"
	"livechat-ws/internal/infrastructure/kafka"
	"livechat-ws/internal/infrastructure/redis"
	"livechat-ws/internal/ratelimit"
	"livechat-ws/internal/responder"
	"livechat-ws/internal/store"
	"livechat-ws/internal/store/gormstore"
	"livechat-ws/internal/store/memstore"
	"livechat-ws/internal/timer"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Application recovered from panic: %v", r)
			os.Exit(1)
		}
	}()

	envFile := pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
	migrate := pflag.Bool("migrate", false, "run database migrations on start")
	verbose := pflag.Bool("verbose", false, "debug logging")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load %s: %v", *envFile, err)
	}

	cfg := config.LoadConfig()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With("instance", cfg.InstanceID)

	log.Printf("Starting LiveChat Server")
	log.Printf("Environment: %s", cfg.Environment)
	log.Printf("Instance: %s", cfg.InstanceID)
	log.Printf("Port: %s", cfg.Port)
	log.Printf("Database: %s", cfg.DBDriver)
	log.Printf("Redis: %s:%s", cfg.RedisHost, cfg.RedisPort)
	log.Printf("Kafka Brokers: %v", cfg.KafkaBrokers)
	log.Printf("CORS Origins: %s", cfg.GetCORSOrigins())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real()

	st, closeStore := openStore(ctx, cfg, *migrate, *verbose, logger)
	defer closeStore()

	var presence chat.Presence = chat.NewLocalPresence()
	var redisClient *redis.RedisClient
	if cfg.RedisHost != "" {
		redisClient = redis.NewRedisClient(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, logger)
		if err := redisClient.Ping(ctx); err != nil {
			log.Printf("Warning: Redis connection failed, presence is local to this instance: %v", err)
		} else {
			log.Println("Redis connection successful")
			presence = redisClient
		}
	}

	hub := broadcast.NewHub(logger, broadcast.DefaultQueueSize)
	router := broadcast.NewRouter(hub, cfg.InstanceID, clk, logger)

	var (
		producer *kafka.EventProducer
		consumer *kafka.EventConsumer
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer = kafka.NewEventProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		producer.Start(ctx)
		router.SetMirror(producer)
		consumer = kafka.NewEventConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaEventsTopic, router, logger)
		consumer.Start(ctx)
	}

	var transcripts chat.TranscriptSender
	var transcriptPublisher *amqp.TranscriptPublisher
	if cfg.AMQPURL != "" {
		conn, err := amqp.DialWithRetry(ctx, amqp.ConnectionOptions{
			URL:           cfg.AMQPURL,
			RetryAttempts: 5,
			Delay:         time.Second,
			Logger:        logger,
		})
		if err != nil {
			log.Printf("Warning: transcripts disabled: %v", err)
		} else if transcriptPublisher, err = amqp.NewTranscriptPublisher(conn, cfg.TranscriptQueue, logger); err != nil {
			log.Printf("Warning: transcripts disabled: %v", err)
			_ = conn.Close()
		} else {
			transcripts = transcriptPublisher
		}
	}

	var resp responder.Responder = responder.NewStatic()
	if cfg.ResponderAPIKey != "" {
		resp = responder.NewOpenAI(cfg.ResponderURL, cfg.ResponderAPIKey, cfg.ResponderModel)
	}

	limiter := ratelimit.New(cfg.RateLimit(), clk)
	go sweepLimiter(ctx, limiter, cfg.RateWindow)

	svc := chat.NewService(cfg.Chat(), chat.Deps{
		Store:       st,
		Clock:       clk,
		Timers:      timer.NewManager(clk, logger),
		Limiter:     limiter,
		Publisher:   router,
		Responder:   resp,
		Presence:    presence,
		Transcripts: transcripts,
		Logger:      logger,
	})

	server := delivery.NewServer(cfg, svc, delivery.NewWSManager(hub, svc, logger), logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutting down...")
		if err := server.Shutdown(); err != nil {
			log.Printf("Error shutting down HTTP server: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		log.Printf("Server stopped: %v", err)
	}

	svc.Shutdown()
	// the producer drains its queue while the writer context is still live
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Printf("Error closing Kafka producer: %v", err)
		}
	}
	cancel()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Printf("Error closing Kafka consumer: %v", err)
		}
	}
	if transcriptPublisher != nil {
		if err := transcriptPublisher.Close(); err != nil {
			log.Printf("Error closing transcript publisher: %v", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Printf("Error closing Redis client: %v", err)
		}
	}
	log.Println("Shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config, migrate, verbose bool, logger *slog.Logger) (store.Store, func()) {
	if cfg.DBDriver == "memory" {
		log.Println("Warning: using in-memory store, data is lost on restart")
		return memstore.New(), func() {}
	}
	db, err := gormstore.Open(gormstore.Options{
		Driver:         cfg.DBDriver,
		DSN:            cfg.DBDSN,
		MaxOpenConns:   cfg.DBMaxOpenConns,
		ConnectRetries: 5,
		Verbose:        verbose,
	}, logger)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	if migrate {
		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Database migration failed: %v", err)
		}
		log.Println("Database migrated")
	}
	return db, func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}
}

// sweepLimiter drops idle rate limit windows once per window.
func sweepLimiter(ctx context.Context, l *ratelimit.Limiter, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
