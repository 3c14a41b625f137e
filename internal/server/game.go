package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"memory-server/internal/memory"
)

const (
	defaultMismatchDelay = 2 * time.Second
	defaultGracePeriod   = 30 * time.Second
)

// ErrGameNotReady tells a joiner to wait: the opponent slot is not yet
// durably recorded, so the session cannot be constructed. Closes the race
// where startGame and joinGame interleave before the opponent id commits.
var ErrGameNotReady = errors.New("GAME_NOT_READY: Game is not ready yet, try again shortly")

type pendingFlip struct {
	Index  int
	UserID string
}

// gameSession is the authoritative state of one in-progress game. Its
// mutex is held across every validate-mutate-emit sequence; the processing
// flag marks the mismatch reveal window, which outlives the lock.
type gameSession struct {
	roomID     string
	gameID     string
	cards      []int
	hostID     string
	opponentID string

	// player row ids, for move/score persistence
	hostPlayerID     string
	opponentPlayerID string

	currentTurn string
	flipped     []pendingFlip
	matched     map[int]bool
	processing  bool
	graceTimers map[string]*time.Timer
	destroyed   bool
	mu          sync.Mutex
}

func (gs *gameSession) participant(userID string) bool {
	return userID == gs.hostID || userID == gs.opponentID
}

func (gs *gameSession) other(userID string) string {
	if userID == gs.hostID {
		return gs.opponentID
	}
	return gs.hostID
}

func (gs *gameSession) playerRowID(userID string) string {
	if userID == gs.hostID {
		return gs.hostPlayerID
	}
	return gs.opponentPlayerID
}

func (gs *gameSession) syncState() SyncGameState {
	matched := make([]int, 0, len(gs.matched))
	for i := 0; i < memory.TotalCards; i++ {
		if gs.matched[i] {
			matched = append(matched, i)
		}
	}

	flipped := make([]FlippedCard, 0, len(gs.flipped))
	for _, f := range gs.flipped {
		flipped = append(flipped, FlippedCard{
			CardID: memory.CardID(f.Index),
			Value:  gs.cards[f.Index],
			UserID: f.UserID,
		})
	}

	return SyncGameState{
		MatchedCards: matched,
		CurrentTurn:  gs.currentTurn,
		FlippedCards: flipped,
	}
}

// GameManager owns every active game session, keyed by room id.
type GameManager struct {
	store  PersistenceGateway
	notify NotifyFunc
	games  map[string]*gameSession
	mu     sync.RWMutex

	MismatchDelay time.Duration
	GracePeriod   time.Duration

	// OnSessionCreated fires the instant a session exists for a room. The
	// server hooks it to dissolve the room's lobby so a room never holds
	// both a lobby and a game at once.
	OnSessionCreated func(roomID string)
}

func NewGameManager(store PersistenceGateway, notify NotifyFunc) *GameManager {
	return &GameManager{
		store:         store,
		notify:        notify,
		games:         make(map[string]*gameSession),
		MismatchDelay: defaultMismatchDelay,
		GracePeriod:   defaultGracePeriod,
	}
}

func (gm *GameManager) session(roomID string) *gameSession {
	gm.mu.RLock()
	defer gm.mu.RUnlock()
	return gm.games[roomID]
}

// Join enters (or re-enters) an in-progress game. The first successful join
// constructs the session with a fresh shuffled deck; later joins get the
// session snapshot instead - never a reshuffle. A join that cancels a
// pending grace timer is a reconnection and notifies the peer.
func (gm *GameManager) Join(ctx context.Context, roomID, userID string) error {
	if session := gm.session(roomID); session != nil {
		return gm.rejoin(session, userID)
	}

	game, err := gm.store.GameByRoom(ctx, roomID)
	if err != nil {
		return err
	}

	if game.Status != StatusInProgress {
		return errors.New("GAME_NOT_STARTED: Game not in progress")
	}

	if userID != game.HostID && userID != game.OpponentID {
		return errors.New("NOT_IN_GAME: You are not part of this game")
	}

	// The opponent slot must be durable before the session can exist;
	// until then the joiner waits.
	if game.OpponentID == "" {
		return ErrGameNotReady
	}

	hostPlayer, opponentPlayer, err := gm.store.EnsurePlayers(ctx, game.ID, game.HostID, game.OpponentID)
	if err != nil {
		return fmt.Errorf("failed to initialize players: %w", err)
	}

	gm.mu.Lock()
	if existing, ok := gm.games[roomID]; ok {
		// Lost the creation race; treat as a plain rejoin.
		gm.mu.Unlock()
		return gm.rejoin(existing, userID)
	}

	session := &gameSession{
		roomID:           roomID,
		gameID:           game.ID,
		cards:            memory.NewDeck(),
		hostID:           game.HostID,
		opponentID:       game.OpponentID,
		hostPlayerID:     hostPlayer.ID,
		opponentPlayerID: opponentPlayer.ID,
		currentTurn:      game.HostID,
		matched:          make(map[int]bool),
		graceTimers:      make(map[string]*time.Timer),
	}
	gm.games[roomID] = session
	gm.mu.Unlock()

	log.Printf("Initialized game session for room %s", roomID)

	if gm.OnSessionCreated != nil {
		gm.OnSessionCreated(roomID)
	}

	started := ServerMessage{
		Type: "gameStarted",
		Payload: GameStartedNotification{
			Deck:        memory.DeckIDs(),
			CurrentTurn: session.currentTurn,
		},
	}
	gm.notify(session.hostID, started)
	gm.notify(session.opponentID, started)

	return nil
}

// rejoin handles a join against an existing session: cancel any pending
// grace timer for this identity, then resync the client from server state.
func (gm *GameManager) rejoin(session *gameSession, userID string) error {
	session.mu.Lock()
	if session.destroyed {
		session.mu.Unlock()
		return ErrGameNotFound
	}

	if !session.participant(userID) {
		session.mu.Unlock()
		return errors.New("NOT_IN_GAME: You are not part of this game")
	}

	reconnected := false
	if timer, pending := session.graceTimers[userID]; pending {
		timer.Stop()
		delete(session.graceTimers, userID)
		reconnected = true
	}

	peer := session.other(userID)
	started := ServerMessage{
		Type: "gameStarted",
		Payload: GameStartedNotification{
			Deck:        memory.DeckIDs(),
			CurrentTurn: session.currentTurn,
		},
	}
	resync := ServerMessage{Type: "syncGameState", Payload: session.syncState()}
	session.mu.Unlock()

	if reconnected {
		log.Printf("User %s reconnected to game %s", userID, session.roomID)
		gm.notify(peer, ServerMessage{
			Type:    "opponentReconnected",
			Payload: PlayerPresenceNotification{UserID: userID},
		})
	}

	gm.notify(userID, started)
	gm.notify(userID, resync)
	return nil
}

// FlipCard reveals a card for the mover. Validation order: session exists,
// not mid-evaluation, mover's turn, index in range, not matched, not
// already flipped this turn. The move is persisted before the flip becomes
// visible; a persistence failure rolls the flip back and frees the room.
func (gm *GameManager) FlipCard(ctx context.Context, roomID, userID string, cardIndex int) error {
	session := gm.session(roomID)
	if session == nil {
		return ErrGameNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.destroyed {
		return ErrGameNotFound
	}
	if session.processing {
		return errors.New("PROCESSING: Please wait for current move to complete")
	}
	if userID != session.currentTurn {
		return errors.New("NOT_YOUR_TURN: Not your turn")
	}
	if cardIndex < 0 || cardIndex >= memory.TotalCards {
		return errors.New("CARD_INVALID: Invalid card index")
	}
	if session.matched[cardIndex] {
		return errors.New("CARD_MATCHED: Card already matched")
	}
	for _, f := range session.flipped {
		if f.Index == cardIndex {
			return errors.New("CARD_FLIPPED: Card already flipped this turn")
		}
	}

	session.processing = true

	if _, err := gm.store.RecordMove(ctx, session.gameID, session.playerRowID(userID), cardIndex); err != nil {
		// Roll back so the room does not deadlock; the flip never happened.
		session.processing = false
		log.Printf("Failed to record move for game %s: %v", roomID, err)
		return errors.New("PERSISTENCE_FAILED: Failed to record move, try again")
	}

	session.flipped = append(session.flipped, pendingFlip{Index: cardIndex, UserID: userID})

	gm.broadcast(session, ServerMessage{
		Type: "cardFlipped",
		Payload: CardFlippedNotification{
			CardID: memory.CardID(cardIndex),
			Value:  session.cards[cardIndex],
			UserID: userID,
		},
	})

	if len(session.flipped) < 2 {
		session.processing = false
		return nil
	}

	return gm.resolvePair(ctx, session, userID)
}

// resolvePair evaluates the two pending flips. Called with session.mu held.
func (gm *GameManager) resolvePair(ctx context.Context, session *gameSession, userID string) error {
	first, second := session.flipped[0], session.flipped[1]
	cardIDs := []string{memory.CardID(first.Index), memory.CardID(second.Index)}

	if memory.Evaluate(session.cards[first.Index], session.cards[second.Index]) == memory.Match {
		session.matched[first.Index] = true
		session.matched[second.Index] = true
		session.flipped = nil

		// Score commits before the broadcast so a resync never shows a
		// match the database has not seen.
		if err := gm.store.AddScore(ctx, session.playerRowID(userID), userID); err != nil {
			log.Printf("Failed to persist score for game %s: %v", session.roomID, err)
		}

		gm.broadcast(session, ServerMessage{
			Type:    "cardsMatched",
			Payload: CardsMatchedNotification{CardIDs: cardIDs, UserID: userID},
		})

		session.processing = false

		// A match keeps the turn; a full board ends the game.
		if len(session.matched) == memory.TotalCards {
			return gm.finishGame(ctx, session)
		}
		return nil
	}

	gm.broadcast(session, ServerMessage{
		Type:    "cardsMismatch",
		Payload: CardsMismatchNotification{CardIDs: cardIDs},
	})

	// processing stays true for the whole reveal window: no flips are
	// accepted until the delayed turn change applies.
	time.AfterFunc(gm.MismatchDelay, func() {
		gm.resolveMismatch(session)
	})

	return nil
}

// resolveMismatch applies the delayed half of a mismatch: hide the cards,
// pass the turn, release the room.
func (gm *GameManager) resolveMismatch(session *gameSession) {
	session.mu.Lock()
	if session.destroyed {
		session.mu.Unlock()
		return
	}

	session.flipped = nil
	session.currentTurn = session.other(session.currentTurn)
	session.processing = false
	turn := session.currentTurn

	gm.broadcast(session, ServerMessage{
		Type:    "turnChanged",
		Payload: TurnChangedNotification{UserID: turn},
	})
	session.mu.Unlock()
}

// finishGame finalizes a fully matched board. Called with session.mu held.
func (gm *GameManager) finishGame(ctx context.Context, session *gameSession) error {
	players, err := gm.store.PlayersForGame(ctx, session.gameID)
	if err != nil || len(players) != 2 {
		return fmt.Errorf("failed to load final scores for game %s: %w", session.roomID, err)
	}

	var hostScore, opponentScore int
	for _, p := range players {
		if p.UserID == session.hostID {
			hostScore = p.Score
		} else {
			opponentScore = p.Score
		}
	}

	// Host wins ties: deterministic, and documented in DESIGN.md.
	winnerID, winnerScore := session.hostID, hostScore
	if opponentScore > hostScore {
		winnerID, winnerScore = session.opponentID, opponentScore
	}

	if err := gm.store.CompleteGame(ctx, session.gameID, winnerID, session.other(winnerID)); err != nil {
		return fmt.Errorf("failed to persist completion for game %s: %w", session.roomID, err)
	}

	log.Printf("Game %s completed. Winner: %s (%d-%d)", session.roomID, winnerID, hostScore, opponentScore)

	gm.broadcast(session, ServerMessage{
		Type: "gameOver",
		Payload: GameOverNotification{
			Winner: GameWinner{UserID: winnerID, Score: winnerScore},
		},
	})

	gm.destroy(session)
	return nil
}

// HandleDisconnect starts the grace countdown for a participant whose
// connection dropped. If the identity does not rejoin before the timer
// fires, the remaining player wins.
func (gm *GameManager) HandleDisconnect(userID string) {
	gm.mu.RLock()
	sessions := make([]*gameSession, 0, len(gm.games))
	for _, session := range gm.games {
		sessions = append(sessions, session)
	}
	gm.mu.RUnlock()

	for _, session := range sessions {
		session.mu.Lock()
		if session.destroyed || !session.participant(userID) {
			session.mu.Unlock()
			continue
		}
		if _, pending := session.graceTimers[userID]; pending {
			session.mu.Unlock()
			continue
		}

		roomID := session.roomID
		session.graceTimers[userID] = time.AfterFunc(gm.GracePeriod, func() {
			gm.expireGrace(roomID, userID)
		})

		gm.broadcast(session, ServerMessage{
			Type: "opponentDisconnected",
			Payload: PlayerPresenceNotification{
				UserID:  userID,
				Message: "Your opponent disconnected. Waiting for reconnection...",
			},
		})
		session.mu.Unlock()

		log.Printf("User %s disconnected from game %s - grace period started", userID, roomID)
	}
}

// expireGrace resolves an elapsed grace period: the remaining player wins.
// A no-op when the timer was cancelled or the session already destroyed.
func (gm *GameManager) expireGrace(roomID, userID string) {
	session := gm.session(roomID)
	if session == nil {
		return
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.destroyed {
		return
	}
	if _, pending := session.graceTimers[userID]; !pending {
		return
	}
	delete(session.graceTimers, userID)

	winnerID := session.other(userID)
	log.Printf("User %s did not reconnect within grace period; ending game %s", userID, roomID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gm.store.CompleteGame(ctx, session.gameID, winnerID, userID); err != nil {
		log.Printf("Failed to persist abandonment outcome for game %s: %v", roomID, err)
	}

	winnerScore := 0
	if players, err := gm.store.PlayersForGame(ctx, session.gameID); err == nil {
		for _, p := range players {
			if p.UserID == winnerID {
				winnerScore = p.Score
			}
		}
	}

	gm.broadcast(session, ServerMessage{
		Type: "gameOver",
		Payload: GameOverNotification{
			Winner:  GameWinner{UserID: winnerID, Score: winnerScore},
			Reason:  "opponent_disconnect",
			Message: "You win! Your opponent disconnected.",
		},
	})

	gm.destroy(session)
}

// destroy tears a session down exactly once, cancelling every outstanding
// grace timer so nothing fires against a cleaned-up room. Called with
// session.mu held.
func (gm *GameManager) destroy(session *gameSession) {
	if session.destroyed {
		return
	}
	session.destroyed = true

	for userID, timer := range session.graceTimers {
		timer.Stop()
		delete(session.graceTimers, userID)
	}

	gm.mu.Lock()
	delete(gm.games, session.roomID)
	gm.mu.Unlock()

	log.Printf("Cleaned up game state for room %s", session.roomID)
}

// broadcast sends to both participants in order. Called with session.mu
// held, which is what gives per-transition broadcasts their ordering.
func (gm *GameManager) broadcast(session *gameSession, msg ServerMessage) {
	gm.notify(session.hostID, msg)
	gm.notify(session.opponentID, msg)
}

// HasSession reports whether a room currently owns a live game session.
func (gm *GameManager) HasSession(roomID string) bool {
	return gm.session(roomID) != nil
}
