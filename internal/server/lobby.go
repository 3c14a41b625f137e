package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

const defaultDissolveDelay = 1 * time.Second

// ErrGameInProgress is surfaced as a gameInProgress notice rather than a
// plain error so a client can offer "rejoin" instead of "join failed".
var ErrGameInProgress = errors.New("GAME_IN_PROGRESS: This game is already in progress")

type lobbyPlayer struct {
	ID    string
	Name  string
	Ready bool
}

// lobbySession is the pre-game roster for one room. All access goes through
// the LobbyManager, whose mutex serializes every mutation for the room.
type lobbySession struct {
	roomID  string
	hostID  string
	players map[string]*lobbyPlayer
	order   []string // join order, for stable roster broadcasts
}

func (ls *lobbySession) roster() []LobbyPlayer {
	players := make([]LobbyPlayer, 0, len(ls.players))
	for _, id := range ls.order {
		p, ok := ls.players[id]
		if !ok {
			continue
		}
		players = append(players, LobbyPlayer{ID: p.ID, Name: p.Name, Ready: p.Ready})
	}
	return players
}

func (ls *lobbySession) remove(userID string) {
	delete(ls.players, userID)
	for i, id := range ls.order {
		if id == userID {
			ls.order = append(ls.order[:i], ls.order[i+1:]...)
			break
		}
	}
}

// LobbyManager owns every pre-game lobby, keyed by room id.
type LobbyManager struct {
	store   PersistenceGateway
	notify  NotifyFunc
	lobbies map[string]*lobbySession
	mu      sync.Mutex

	// DissolveDelay is how long a lobby lingers after gameStarting so
	// clients can transition before the roster disappears.
	DissolveDelay time.Duration
}

func NewLobbyManager(store PersistenceGateway, notify NotifyFunc) *LobbyManager {
	return &LobbyManager{
		store:         store,
		notify:        notify,
		lobbies:       make(map[string]*lobbySession),
		DissolveDelay: defaultDissolveDelay,
	}
}

// Join enters a player into the room's roster. The first join creates the
// lobby. A non-host joining an unclaimed opponent slot is recorded durably
// so the later joinGame authorization check can see it.
func (lm *LobbyManager) Join(ctx context.Context, roomID, userID, userName string) error {
	game, err := lm.store.GameByRoom(ctx, roomID)
	if err != nil {
		return err
	}

	switch game.Status {
	case StatusInProgress:
		return ErrGameInProgress
	case StatusCompleted:
		return errors.New("GAME_COMPLETED: This game has already ended")
	}

	lm.mu.Lock()
	lobby, exists := lm.lobbies[roomID]
	if !exists {
		lobby = &lobbySession{
			roomID:  roomID,
			hostID:  game.HostID,
			players: make(map[string]*lobbyPlayer),
		}
		lm.lobbies[roomID] = lobby
		log.Printf("Created lobby for room %s (host %s)", roomID, game.HostID)
	}

	if _, present := lobby.players[userID]; !present {
		if len(lobby.players) >= 2 {
			lm.mu.Unlock()
			return errors.New("LOBBY_FULL: Lobby is full (max 2 players)")
		}
		lobby.order = append(lobby.order, userID)
	}

	lobby.players[userID] = &lobbyPlayer{ID: userID, Name: userName}
	roster := lobby.roster()
	members := append([]string(nil), lobby.order...)
	lm.mu.Unlock()

	// Opponent slot claim must be durable before anyone can start.
	if userID != game.HostID && game.OpponentID == "" {
		if err := lm.store.SetOpponent(ctx, game.ID, userID); err != nil {
			return err
		}
		log.Printf("Recorded opponent %s for room %s", userID, roomID)
	}

	lm.broadcastRoster(members, roster)
	return nil
}

// SetReady updates the player's ready flag. A no-op for identities not in
// the roster; repeated calls with the same value re-broadcast the same
// snapshot without drifting state.
func (lm *LobbyManager) SetReady(roomID, userID string, ready bool) error {
	lm.mu.Lock()
	lobby, exists := lm.lobbies[roomID]
	if !exists {
		lm.mu.Unlock()
		return errors.New("LOBBY_NOT_FOUND: Lobby not found")
	}

	player, present := lobby.players[userID]
	if !present {
		lm.mu.Unlock()
		return nil
	}

	player.Ready = ready
	roster := lobby.roster()
	members := append([]string(nil), lobby.order...)
	lm.mu.Unlock()

	lm.broadcastRoster(members, roster)
	return nil
}

// Start begins the game. Host-only; requires two players with every
// non-host player ready. On success the in_progress status and opponent id
// are persisted before gameStarting goes out, and the lobby is dissolved
// after DissolveDelay.
func (lm *LobbyManager) Start(ctx context.Context, roomID, userID string) error {
	lm.mu.Lock()
	lobby, exists := lm.lobbies[roomID]
	if !exists {
		lm.mu.Unlock()
		return errors.New("LOBBY_NOT_FOUND: Lobby not found")
	}

	if _, present := lobby.players[userID]; !present || userID != lobby.hostID {
		lm.mu.Unlock()
		return errors.New("NOT_HOST: Only the host can start the game")
	}

	if len(lobby.players) < 2 {
		lm.mu.Unlock()
		return errors.New("NOT_ENOUGH_PLAYERS: Cannot start game - need 2 players")
	}

	opponentID := ""
	for _, p := range lobby.players {
		if p.ID == lobby.hostID {
			continue
		}
		// The host never blocks on self-readiness.
		if !p.Ready {
			lm.mu.Unlock()
			return errors.New("NOT_ALL_READY: All players must be ready")
		}
		opponentID = p.ID
	}

	members := append([]string(nil), lobby.order...)
	lm.mu.Unlock()

	if opponentID == "" {
		return errors.New("NO_OPPONENT: Cannot start game - opponent not found")
	}

	game, err := lm.store.GameByRoom(ctx, roomID)
	if err != nil {
		return err
	}

	if err := lm.store.MarkStarted(ctx, game.ID, opponentID); err != nil {
		return err
	}

	log.Printf("Game %s starting (host %s, opponent %s)", roomID, lobby.hostID, opponentID)

	for _, id := range members {
		lm.notify(id, ServerMessage{
			Type:    "gameStarting",
			Payload: GameStartingNotification{Status: "starting", RoomID: roomID},
		})
	}

	time.AfterFunc(lm.DissolveDelay, func() {
		lm.Dissolve(roomID)
	})

	return nil
}

// Cancel aborts a not-yet-started game. Host-only; the game record is
// deleted and the lobby dissolved immediately.
func (lm *LobbyManager) Cancel(ctx context.Context, roomID, userID string) error {
	game, err := lm.store.GameByRoom(ctx, roomID)
	if err != nil {
		return err
	}

	if userID != game.HostID {
		return errors.New("NOT_HOST: Only the host can cancel the game")
	}

	if err := lm.store.DeleteGame(ctx, game.ID); err != nil {
		return err
	}

	lm.mu.Lock()
	var members []string
	if lobby, exists := lm.lobbies[roomID]; exists {
		members = append([]string(nil), lobby.order...)
	}
	delete(lm.lobbies, roomID)
	lm.mu.Unlock()

	log.Printf("Game %s cancelled by host %s", roomID, userID)

	for _, id := range members {
		lm.notify(id, ServerMessage{
			Type:    "gameCancelled",
			Payload: GameCancelledNotification{Status: "cancelled", RoomID: roomID},
		})
	}

	return nil
}

// Leave removes a player from the roster. If the leaver held the persisted
// opponent slot it is cleared so another player can claim it. An empty
// lobby dissolves.
func (lm *LobbyManager) Leave(ctx context.Context, roomID, userID string) error {
	lm.mu.Lock()
	lobby, exists := lm.lobbies[roomID]
	if !exists {
		lm.mu.Unlock()
		return nil
	}

	if _, present := lobby.players[userID]; !present {
		lm.mu.Unlock()
		return nil
	}

	lobby.remove(userID)
	roster := lobby.roster()
	members := append([]string(nil), lobby.order...)
	empty := len(lobby.players) == 0
	if empty {
		delete(lm.lobbies, roomID)
	}
	lm.mu.Unlock()

	log.Printf("User %s left lobby %s", userID, roomID)

	game, err := lm.store.GameByRoom(ctx, roomID)
	if err == nil && game.OpponentID == userID {
		if err := lm.store.ClearOpponent(ctx, game.ID); err != nil {
			log.Printf("Failed to clear opponent for room %s: %v", roomID, err)
		}
	}

	lm.broadcastRoster(members, roster)

	if empty {
		log.Printf("Cleaned up empty lobby %s", roomID)
	}
	return nil
}

// HandleDisconnect removes a dropped connection's identity from whichever
// lobby it was in. Lobby drops have no grace period.
func (lm *LobbyManager) HandleDisconnect(userID string) {
	lm.mu.Lock()
	var roomID string
	for id, lobby := range lm.lobbies {
		if _, present := lobby.players[userID]; present {
			roomID = id
			break
		}
	}
	lm.mu.Unlock()

	if roomID == "" {
		return
	}

	if err := lm.Leave(context.Background(), roomID, userID); err != nil {
		log.Printf("Error removing %s from lobby %s after disconnect: %v", userID, roomID, err)
	}
}

// Dissolve drops the lobby for a room. Called on start (after the handoff
// delay) and by the game manager the moment a game session exists, so a
// room never has both.
func (lm *LobbyManager) Dissolve(roomID string) {
	lm.mu.Lock()
	_, existed := lm.lobbies[roomID]
	delete(lm.lobbies, roomID)
	lm.mu.Unlock()

	if existed {
		log.Printf("Cleaned up lobby state for room %s", roomID)
	}
}

// Roster returns the current roster snapshot, or nil if no lobby exists.
func (lm *LobbyManager) Roster(roomID string) []LobbyPlayer {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lobby, exists := lm.lobbies[roomID]
	if !exists {
		return nil
	}
	return lobby.roster()
}

func (lm *LobbyManager) broadcastRoster(members []string, roster []LobbyPlayer) {
	msg := ServerMessage{Type: "lobbyUpdate", Payload: LobbyUpdate{Players: roster}}
	for _, id := range members {
		lm.notify(id, msg)
	}
}
