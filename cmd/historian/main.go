// cmd/historian/main.go is an asynchronous historian service that pops lobby events from a
// Redis queue and archives them in PostgreSQL.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jason-s-yu/bunker/internal/cache"
	"github.com/jason-s-yu/bunker/internal/database"
	"github.com/jason-s-yu/bunker/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("HISTORIAN_VERBOSE") != "" {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.ConnectDB(ctx, os.Getenv("DATABASE_URL")); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to migrate archive schema")
	}

	rdb, err := cache.ConnectRedis(ctx, getEnv("REDIS_ADDR", "localhost:6379"), getEnvInt("REDIS_DB", 0))
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer rdb.Close()

	queue := getEnv("HISTORIAN_QUEUE_NAME", cache.DefaultQueueName)
	svc := historian.NewService(
		cache.NewRedisQueue(rdb, queue),
		historian.ArchiveFunc(database.InsertLobbyEvents),
		historian.Config{
			BatchSize:  getEnvInt("HISTORIAN_BATCH_SIZE", 20),
			FlushDelay: time.Duration(getEnvInt("HISTORIAN_FLUSH_MS", 500)) * time.Millisecond,
			Inactivity: time.Duration(getEnvInt("LOBBY_INACTIVITY_TIMEOUT_SEC", 600)) * time.Second,
		},
		logger.WithField("queue", queue),
	)
	svc.Run(ctx)
	logger.Info("Historian shutdown complete.")
}

// getEnv retrieves an environment variable's value or returns a default.
func getEnv(key, defVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defVal
}

// getEnvInt retrieves an integer value from an environment variable or returns a default value.
func getEnvInt(key string, defVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defVal
	}
	return i
}
