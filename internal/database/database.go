package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
)

// Service exposes the shared connection pool plus a health snapshot for the
// /health endpoint.
type Service interface {
	Pool() *pgxpool.Pool
	DSN() string
	Health() map[string]string
	Close()
}

type service struct {
	pool *pgxpool.Pool
	dsn  string
}

var dbInstance *service

// New connects to the database named by DATABASE_URL. The pool is a
// singleton; repeated calls return the same service.
func New() Service {
	if dbInstance != nil {
		return dbInstance
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		log.Fatalf("Failed to create connection pool: %v", err)
	}

	dbInstance = &service{pool: pool, dsn: dsn}
	return dbInstance
}

// NewWithDSN builds a service for an explicit connection string.
// Used by tests that provision their own database.
func NewWithDSN(dsn string) (Service, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &service{pool: pool, dsn: dsn}, nil
}

func (s *service) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *service) DSN() string {
	return s.dsn
}

// Health pings the database and reports pool statistics.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		log.Printf("db health check failed: %v", err)
		return stats
	}

	poolStats := s.pool.Stat()
	stats["status"] = "up"
	stats["message"] = "It's healthy"
	stats["total_connections"] = fmt.Sprintf("%d", poolStats.TotalConns())
	stats["idle_connections"] = fmt.Sprintf("%d", poolStats.IdleConns())
	stats["in_use_connections"] = fmt.Sprintf("%d", poolStats.AcquiredConns())

	return stats
}

func (s *service) Close() {
	log.Println("Disconnected from database")
	s.pool.Close()
	if s == dbInstance {
		dbInstance = nil
	}
}
