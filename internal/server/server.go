package server

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/joho/godotenv/autoload"
	"github.com/pressly/goose/v3"

	"memory-server/internal/database"
)

// Server wires the session orchestration engine together: one connection
// registry, one lobby manager, one game manager, one persistence gateway.
type Server struct {
	port int
	db   database.Service

	authenticator      *Authenticator
	connectionRegistry *ConnectionRegistry
	lobbyManager       *LobbyManager
	gameManager        *GameManager
	store              PersistenceGateway
	rateLimiter        *RateLimiter
}

func NewServer() (*Server, *http.Server) {
	port, _ := strconv.Atoi(os.Getenv("PORT"))
	if port == 0 {
		port = 3002
	}

	dbService := database.New()

	if err := runMigrations(dbService.DSN()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	store := NewPostgresStore(dbService.Pool())
	srv := newServerWith(port, dbService, store, NewAuthenticatorFromEnv())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.port),
		Handler:      srv.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return srv, httpServer
}

// newServerWith assembles a Server around explicit collaborators. Tests use
// it to swap in a fake persistence gateway.
func newServerWith(port int, db database.Service, store PersistenceGateway, auth *Authenticator) *Server {
	srv := &Server{
		port:               port,
		db:                 db,
		authenticator:      auth,
		connectionRegistry: NewConnectionRegistry(),
		store:              store,
		rateLimiter:        NewRateLimiter(20, time.Second),
	}

	srv.lobbyManager = NewLobbyManager(store, srv.notifyUser)
	srv.gameManager = NewGameManager(store, srv.notifyUser)

	// A room holds a lobby or a game session, never both: the moment a
	// game session exists, any lingering lobby for that room goes away.
	srv.gameManager.OnSessionCreated = srv.lobbyManager.Dissolve

	return srv
}

// runMigrations applies database migrations using goose over the pgx
// stdlib driver.
func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "./db/migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Println("Database migrations applied successfully")
	return nil
}

// Shutdown closes the database pool. In-memory lobby and game state is
// deliberately not persisted: an interrupted game resolves through the
// grace-period rules when the server returns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.db.Close()
	return nil
}
