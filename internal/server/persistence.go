package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type GameStatus string

const (
	StatusWaiting    GameStatus = "waiting"
	StatusInProgress GameStatus = "in_progress"
	StatusCompleted  GameStatus = "completed"
)

var ErrGameNotFound = errors.New("GAME_NOT_FOUND: Game not found")

type GameRecord struct {
	ID         string
	RoomID     string
	HostID     string
	OpponentID string
	Status     GameStatus
	WinnerID   string
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
}

type PlayerRecord struct {
	ID     string
	GameID string
	UserID string
	Score  int
}

type LeaderboardEntry struct {
	UserID           string    `json:"userId"`
	TotalGamesPlayed int       `json:"totalGamesPlayed"`
	TotalWins        int       `json:"totalWins"`
	TotalScore       int       `json:"totalScore"`
	LastPlayedAt     time.Time `json:"lastPlayedAt"`
}

// PersistenceGateway is the engine's view of durable storage. The engine
// never owns schema or transactions beyond what these operations describe.
type PersistenceGateway interface {
	CreateGame(ctx context.Context, roomID, hostID string) (*GameRecord, error)
	GameByRoom(ctx context.Context, roomID string) (*GameRecord, error)
	ActiveGameForUser(ctx context.Context, userID string) (*GameRecord, error)
	UpdateGame(ctx context.Context, roomID string, status *GameStatus, opponentID *string) (*GameRecord, error)
	SetOpponent(ctx context.Context, gameID, userID string) error
	ClearOpponent(ctx context.Context, gameID string) error
	MarkStarted(ctx context.Context, gameID, opponentID string) error
	DeleteGame(ctx context.Context, gameID string) error

	EnsurePlayers(ctx context.Context, gameID, hostID, opponentID string) (host, opponent *PlayerRecord, err error)
	RecordMove(ctx context.Context, gameID, playerID string, cardIndex int) (turnNumber int, err error)
	AddScore(ctx context.Context, playerID, userID string) error
	PlayersForGame(ctx context.Context, gameID string) ([]PlayerRecord, error)

	CompleteGame(ctx context.Context, gameID, winnerID, loserID string) error
	Leaderboard(ctx context.Context) ([]LeaderboardEntry, error)
}

// PostgresStore implements PersistenceGateway on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const gameColumns = `id, room_id, host_id, COALESCE(opponent_id, ''), status,
	COALESCE(winner_id, ''), created_at, started_at, ended_at`

func scanGame(row pgx.Row) (*GameRecord, error) {
	var g GameRecord
	err := row.Scan(&g.ID, &g.RoomID, &g.HostID, &g.OpponentID, &g.Status,
		&g.WinnerID, &g.CreatedAt, &g.StartedAt, &g.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan game: %w", err)
	}
	return &g, nil
}

func (ps *PostgresStore) CreateGame(ctx context.Context, roomID, hostID string) (*GameRecord, error) {
	query := `
		INSERT INTO games (room_id, host_id, status)
		VALUES ($1, $2, $3)
		RETURNING ` + gameColumns

	return scanGame(ps.pool.QueryRow(ctx, query, roomID, hostID, StatusWaiting))
}

func (ps *PostgresStore) GameByRoom(ctx context.Context, roomID string) (*GameRecord, error) {
	query := `SELECT ` + gameColumns + ` FROM games WHERE room_id = $1`
	return scanGame(ps.pool.QueryRow(ctx, query, roomID))
}

// ActiveGameForUser finds a waiting or in-progress game the user already
// belongs to, as host or opponent. Returns nil when there is none.
func (ps *PostgresStore) ActiveGameForUser(ctx context.Context, userID string) (*GameRecord, error) {
	query := `
		SELECT ` + gameColumns + ` FROM games
		WHERE (host_id = $1 OR opponent_id = $1)
		  AND status IN ($2, $3)
		LIMIT 1`

	game, err := scanGame(ps.pool.QueryRow(ctx, query, userID, StatusWaiting, StatusInProgress))
	if errors.Is(err, ErrGameNotFound) {
		return nil, nil
	}
	return game, err
}

func (ps *PostgresStore) UpdateGame(ctx context.Context, roomID string, status *GameStatus, opponentID *string) (*GameRecord, error) {
	query := `
		UPDATE games
		SET status = COALESCE($2, status),
		    opponent_id = COALESCE($3, opponent_id)
		WHERE room_id = $1
		RETURNING ` + gameColumns

	return scanGame(ps.pool.QueryRow(ctx, query, roomID, status, opponentID))
}

func (ps *PostgresStore) SetOpponent(ctx context.Context, gameID, userID string) error {
	_, err := ps.pool.Exec(ctx, `UPDATE games SET opponent_id = $2 WHERE id = $1`, gameID, userID)
	if err != nil {
		return fmt.Errorf("failed to set opponent for game %s: %w", gameID, err)
	}
	return nil
}

func (ps *PostgresStore) ClearOpponent(ctx context.Context, gameID string) error {
	_, err := ps.pool.Exec(ctx, `UPDATE games SET opponent_id = NULL WHERE id = $1`, gameID)
	if err != nil {
		return fmt.Errorf("failed to clear opponent for game %s: %w", gameID, err)
	}
	return nil
}

func (ps *PostgresStore) MarkStarted(ctx context.Context, gameID, opponentID string) error {
	query := `
		UPDATE games
		SET status = $2, opponent_id = $3, started_at = now()
		WHERE id = $1`

	_, err := ps.pool.Exec(ctx, query, gameID, StatusInProgress, opponentID)
	if err != nil {
		return fmt.Errorf("failed to mark game %s started: %w", gameID, err)
	}
	return nil
}

func (ps *PostgresStore) DeleteGame(ctx context.Context, gameID string) error {
	_, err := ps.pool.Exec(ctx, `DELETE FROM games WHERE id = $1`, gameID)
	if err != nil {
		return fmt.Errorf("failed to delete game %s: %w", gameID, err)
	}
	return nil
}

// EnsurePlayers upserts the two score rows for a game and returns them.
// Idempotent: concurrent first-joins may both call it.
func (ps *PostgresStore) EnsurePlayers(ctx context.Context, gameID, hostID, opponentID string) (*PlayerRecord, *PlayerRecord, error) {
	query := `
		INSERT INTO players (game_id, user_id)
		VALUES ($1, $2), ($1, $3)
		ON CONFLICT (game_id, user_id) DO NOTHING`

	if _, err := ps.pool.Exec(ctx, query, gameID, hostID, opponentID); err != nil {
		return nil, nil, fmt.Errorf("failed to create players for game %s: %w", gameID, err)
	}

	records, err := ps.PlayersForGame(ctx, gameID)
	if err != nil {
		return nil, nil, err
	}

	var host, opponent *PlayerRecord
	for i := range records {
		switch records[i].UserID {
		case hostID:
			host = &records[i]
		case opponentID:
			opponent = &records[i]
		}
	}
	if host == nil || opponent == nil {
		return nil, nil, fmt.Errorf("player rows missing for game %s", gameID)
	}

	return host, opponent, nil
}

func (ps *PostgresStore) RecordMove(ctx context.Context, gameID, playerID string, cardIndex int) (int, error) {
	query := `
		INSERT INTO moves (game_id, player_id, card_selected, turn_number)
		VALUES ($1, $2, $3,
			(SELECT COUNT(*) + 1 FROM moves WHERE game_id = $1))
		RETURNING turn_number`

	var turnNumber int
	err := ps.pool.QueryRow(ctx, query, gameID, playerID, cardIndex).Scan(&turnNumber)
	if err != nil {
		return 0, fmt.Errorf("failed to record move for game %s: %w", gameID, err)
	}
	return turnNumber, nil
}

// AddScore credits a matched pair: the player's in-game score and the
// user's aggregate leaderboard score move together in one transaction.
func (ps *PostgresStore) AddScore(ctx context.Context, playerID, userID string) error {
	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin score transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE players SET score = score + 1 WHERE id = $1`, playerID); err != nil {
		return fmt.Errorf("failed to increment score for player %s: %w", playerID, err)
	}

	leaderboardQuery := `
		INSERT INTO leaderboard (user_id, total_score, last_played_at)
		VALUES ($1, 1, now())
		ON CONFLICT (user_id) DO UPDATE
		SET total_score = leaderboard.total_score + 1, last_played_at = now()`

	if _, err := tx.Exec(ctx, leaderboardQuery, userID); err != nil {
		return fmt.Errorf("failed to update leaderboard for user %s: %w", userID, err)
	}

	return tx.Commit(ctx)
}

func (ps *PostgresStore) PlayersForGame(ctx context.Context, gameID string) ([]PlayerRecord, error) {
	query := `SELECT id, game_id, user_id, score FROM players WHERE game_id = $1 ORDER BY id`

	rows, err := ps.pool.Query(ctx, query, gameID)
	if err != nil {
		return nil, fmt.Errorf("failed to query players for game %s: %w", gameID, err)
	}
	defer rows.Close()

	var players []PlayerRecord
	for rows.Next() {
		var p PlayerRecord
		if err := rows.Scan(&p.ID, &p.GameID, &p.UserID, &p.Score); err != nil {
			return nil, fmt.Errorf("failed to scan player row: %w", err)
		}
		players = append(players, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating player rows: %w", err)
	}

	return players, nil
}

// CompleteGame finalizes a game: status, winner, ended_at, and both
// players' aggregate counters commit or roll back together.
func (ps *PostgresStore) CompleteGame(ctx context.Context, gameID, winnerID, loserID string) error {
	tx, err := ps.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin completion transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	gameQuery := `
		UPDATE games
		SET status = $2, winner_id = $3, ended_at = now()
		WHERE id = $1`

	if _, err := tx.Exec(ctx, gameQuery, gameID, StatusCompleted, winnerID); err != nil {
		return fmt.Errorf("failed to complete game %s: %w", gameID, err)
	}

	winnerQuery := `
		INSERT INTO leaderboard (user_id, total_games_played, total_wins, last_played_at)
		VALUES ($1, 1, 1, now())
		ON CONFLICT (user_id) DO UPDATE
		SET total_games_played = leaderboard.total_games_played + 1,
		    total_wins = leaderboard.total_wins + 1,
		    last_played_at = now()`

	if _, err := tx.Exec(ctx, winnerQuery, winnerID); err != nil {
		return fmt.Errorf("failed to update winner leaderboard: %w", err)
	}

	loserQuery := `
		INSERT INTO leaderboard (user_id, total_games_played, last_played_at)
		VALUES ($1, 1, now())
		ON CONFLICT (user_id) DO UPDATE
		SET total_games_played = leaderboard.total_games_played + 1,
		    last_played_at = now()`

	if _, err := tx.Exec(ctx, loserQuery, loserID); err != nil {
		return fmt.Errorf("failed to update loser leaderboard: %w", err)
	}

	return tx.Commit(ctx)
}

func (ps *PostgresStore) Leaderboard(ctx context.Context) ([]LeaderboardEntry, error) {
	query := `
		SELECT user_id, total_games_played, total_wins, total_score, last_played_at
		FROM leaderboard
		ORDER BY total_wins DESC, total_score DESC`

	rows, err := ps.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.TotalGamesPlayed, &e.TotalWins, &e.TotalScore, &e.LastPlayedAt); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard row: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating leaderboard rows: %w", err)
	}

	return entries, nil
}
