package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// memStore is an in-memory PersistenceGateway so the state machines can be
// tested without a database or a transport.
type memStore struct {
	mu          sync.Mutex
	games       map[string]*GameRecord      // roomID -> record
	players     map[string][]*PlayerRecord  // gameID -> rows
	moveCounts  map[string]int              // gameID -> moves recorded
	leaderboard map[string]*LeaderboardEntry
	nextID      int

	failRecordMove bool
}

func newMemStore() *memStore {
	return &memStore{
		games:       make(map[string]*GameRecord),
		players:     make(map[string][]*PlayerRecord),
		moveCounts:  make(map[string]int),
		leaderboard: make(map[string]*LeaderboardEntry),
	}
}

func (m *memStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *memStore) byGameID(gameID string) *GameRecord {
	for _, g := range m.games {
		if g.ID == gameID {
			return g
		}
	}
	return nil
}

func (m *memStore) CreateGame(_ context.Context, roomID, hostID string) (*GameRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	game := &GameRecord{
		ID:        m.id("game"),
		RoomID:    roomID,
		HostID:    hostID,
		Status:    StatusWaiting,
		CreatedAt: time.Now(),
	}
	m.games[roomID] = game
	copy := *game
	return &copy, nil
}

func (m *memStore) GameByRoom(_ context.Context, roomID string) (*GameRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	game, exists := m.games[roomID]
	if !exists {
		return nil, ErrGameNotFound
	}
	copy := *game
	return &copy, nil
}

func (m *memStore) ActiveGameForUser(_ context.Context, userID string) (*GameRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.games {
		if (g.HostID == userID || g.OpponentID == userID) && g.Status != StatusCompleted {
			copy := *g
			return &copy, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateGame(_ context.Context, roomID string, status *GameStatus, opponentID *string) (*GameRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	game, exists := m.games[roomID]
	if !exists {
		return nil, ErrGameNotFound
	}
	if status != nil {
		game.Status = *status
	}
	if opponentID != nil {
		game.OpponentID = *opponentID
	}
	copy := *game
	return &copy, nil
}

func (m *memStore) SetOpponent(_ context.Context, gameID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if game := m.byGameID(gameID); game != nil {
		game.OpponentID = userID
	}
	return nil
}

func (m *memStore) ClearOpponent(_ context.Context, gameID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if game := m.byGameID(gameID); game != nil {
		game.OpponentID = ""
	}
	return nil
}

func (m *memStore) MarkStarted(_ context.Context, gameID, opponentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if game := m.byGameID(gameID); game != nil {
		now := time.Now()
		game.Status = StatusInProgress
		game.OpponentID = opponentID
		game.StartedAt = &now
	}
	return nil
}

func (m *memStore) DeleteGame(_ context.Context, gameID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for roomID, g := range m.games {
		if g.ID == gameID {
			delete(m.games, roomID)
			delete(m.players, gameID)
			break
		}
	}
	return nil
}

func (m *memStore) EnsurePlayers(_ context.Context, gameID, hostID, opponentID string) (*PlayerRecord, *PlayerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	find := func(userID string) *PlayerRecord {
		for _, p := range m.players[gameID] {
			if p.UserID == userID {
				return p
			}
		}
		p := &PlayerRecord{ID: m.id("player"), GameID: gameID, UserID: userID}
		m.players[gameID] = append(m.players[gameID], p)
		return p
	}

	host, opponent := find(hostID), find(opponentID)
	hostCopy, opponentCopy := *host, *opponent
	return &hostCopy, &opponentCopy, nil
}

func (m *memStore) RecordMove(_ context.Context, gameID, playerID string, cardIndex int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failRecordMove {
		return 0, errors.New("store unavailable")
	}

	m.moveCounts[gameID]++
	return m.moveCounts[gameID], nil
}

func (m *memStore) AddScore(_ context.Context, playerID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, players := range m.players {
		for _, p := range players {
			if p.ID == playerID {
				p.Score++
			}
		}
	}

	entry := m.ensureEntry(userID)
	entry.TotalScore++
	return nil
}

func (m *memStore) PlayersForGame(_ context.Context, gameID string) ([]PlayerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PlayerRecord
	for _, p := range m.players[gameID] {
		out = append(out, *p)
	}
	return out, nil
}

func (m *memStore) CompleteGame(_ context.Context, gameID, winnerID, loserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if game := m.byGameID(gameID); game != nil {
		now := time.Now()
		game.Status = StatusCompleted
		game.WinnerID = winnerID
		game.EndedAt = &now
	}

	winner := m.ensureEntry(winnerID)
	winner.TotalGamesPlayed++
	winner.TotalWins++

	loser := m.ensureEntry(loserID)
	loser.TotalGamesPlayed++

	return nil
}

func (m *memStore) Leaderboard(_ context.Context) ([]LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []LeaderboardEntry
	for _, e := range m.leaderboard {
		out = append(out, *e)
	}
	return out, nil
}

func (m *memStore) ensureEntry(userID string) *LeaderboardEntry {
	entry, exists := m.leaderboard[userID]
	if !exists {
		entry = &LeaderboardEntry{UserID: userID}
		m.leaderboard[userID] = entry
	}
	entry.LastPlayedAt = time.Now()
	return entry
}

// setScore overwrites a player's score directly. Test hook for engineering
// specific final-score situations.
func (m *memStore) setScore(gameID, userID string, score int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.players[gameID] {
		if p.UserID == userID {
			p.Score = score
		}
	}
}

// recorder captures manager notifications per user, standing in for the
// websocket transport.
type recorder struct {
	mu   sync.Mutex
	msgs map[string][]ServerMessage
}

func newRecorder() *recorder {
	return &recorder{msgs: make(map[string][]ServerMessage)}
}

func (r *recorder) notify(userID string, msg ServerMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[userID] = append(r.msgs[userID], msg)
}

func (r *recorder) messages(userID string) []ServerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ServerMessage(nil), r.msgs[userID]...)
}

func (r *recorder) lastOfType(userID, msgType string) (ServerMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.msgs[userID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == msgType {
			return msgs[i], true
		}
	}
	return ServerMessage{}, false
}

func (r *recorder) countOfType(userID, msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, msg := range r.msgs[userID] {
		if msg.Type == msgType {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = make(map[string][]ServerMessage)
}

// ============================================================================
// WEBSOCKET TEST SERVER
// ============================================================================

const testSecret = "test-secret"

// setupTestServer spins up the full HTTP surface over a memStore.
func setupTestServer() (*Server, *memStore, string, func()) {
	store := newMemStore()
	srv := newServerWith(0, nil, store, NewAuthenticator([]byte(testSecret)))

	httpServer := httptest.NewServer(srv.RegisterRoutes())
	return srv, store, httpServer.URL, httpServer.Close
}

func wsURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/websocket"
}

// dialAs connects an authenticated websocket for userID.
func dialAs(t *testing.T, ctx context.Context, srv *Server, baseURL, userID string) *websocket.Conn {
	t.Helper()

	token, err := srv.authenticator.Issue(userID, time.Hour)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL(baseURL)+"?token="+token+"&userId="+userID, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket as %s: %v", userID, err)
	}
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}

	data, err := json.Marshal(ClientMessage{Type: msgType, Payload: raw})
	if err != nil {
		t.Fatalf("Failed to marshal message: %v", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Failed to write %s: %v", msgType, err)
	}
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) ServerMessage {
	t.Helper()

	readCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}

	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// readUntil drains messages until one of the wanted type arrives;
// broadcasts from earlier transitions may interleave.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType string) ServerMessage {
	t.Helper()

	for i := 0; i < 20; i++ {
		msg := readMessage(t, ctx, conn)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("Never received message of type %s", msgType)
	return ServerMessage{}
}

func decodePayload(t *testing.T, msg ServerMessage, out interface{}) {
	t.Helper()

	data, err := json.Marshal(msg.Payload)
	if err != nil {
		t.Fatalf("Failed to re-marshal payload: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
}
