package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port               string
	DatabaseURL        string
	MigrateOnStart     bool
	AMQPURL            string
	AMQPExchange       string
	ServiceName        string
	CounterCount       int
	Location           *time.Location
	SequenceAttempts   int
	CallNextAttempts   int
	EstimatorInterval  time.Duration
	EstimatorHistory   bool
	ResetInterval      time.Duration
	NotifyTimeout      time.Duration
	RateLimitPerMinute int
	RateLimitBurst     int
	ShutdownTimeout    time.Duration
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = "ticket-service"
	}
	exchange := os.Getenv("AMQP_EXCHANGE")
	if exchange == "" {
		exchange = "queue_events"
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		MigrateOnStart:     readBool("MIGRATE_ON_START", false),
		AMQPURL:            os.Getenv("AMQP_URL"),
		AMQPExchange:       exchange,
		ServiceName:        serviceName,
		CounterCount:       readInt("COUNTER_COUNT", 4),
		Location:           readLocation("TIMEZONE"),
		SequenceAttempts:   readInt("SEQUENCE_MAX_ATTEMPTS", 5),
		CallNextAttempts:   readInt("CALL_NEXT_MAX_ATTEMPTS", 5),
		EstimatorInterval:  readDurationSeconds("ESTIMATOR_INTERVAL_SECONDS", 30),
		EstimatorHistory:   readBool("ESTIMATOR_USE_HISTORY", false),
		ResetInterval:      readDurationSeconds("RESET_CHECK_INTERVAL_SECONDS", 60),
		NotifyTimeout:      readDurationSeconds("NOTIFY_TIMEOUT_SECONDS", 5),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		ShutdownTimeout:    readDurationSeconds("SHUTDOWN_TIMEOUT_SECONDS", 10),
	}
}

func readLocation(key string) *time.Location {
	name := os.Getenv(key)
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("config invalid timezone=%s error=%v, using local", name, err)
		return time.Local
	}
	return loc
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
