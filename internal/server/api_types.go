package server

// ============================================================================
// ERROR / NOTICE RESPONSES
// ============================================================================
// tygo:generate
type ErrorMessage struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// tygo:generate
type NoticeMessage struct {
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

// ============================================================================
// LOBBY (joinLobby / leaveLobby / playerReady / startGame / cancelGame)
// ============================================================================
// tygo:generate
type JoinLobbyRequest struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// tygo:generate
type LeaveLobbyRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// tygo:generate
type PlayerReadyRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Ready  bool   `json:"ready"`
}

// tygo:generate
type StartGameRequest struct {
	RoomID string `json:"roomId"`
}

// tygo:generate
type CancelGameRequest struct {
	RoomID string `json:"roomId"`
}

// tygo:generate
type LobbyPlayer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

// LobbyUpdate is the full roster snapshot broadcast on every lobby change.
// tygo:generate
type LobbyUpdate struct {
	Players []LobbyPlayer `json:"players"`
}

// tygo:generate
type GameStartingNotification struct {
	Status string `json:"status"`
	RoomID string `json:"roomId"`
}

// tygo:generate
type GameCancelledNotification struct {
	Status string `json:"status"`
	RoomID string `json:"roomId"`
}

// ============================================================================
// GAME (joinGame / flipCard)
// ============================================================================
// tygo:generate
type JoinGameRequest struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// tygo:generate
type FlipCardRequest struct {
	RoomID string `json:"roomId"`
	CardID string `json:"cardId"`
	UserID string `json:"userId"`
}

// GameStartedNotification carries the board layout (card ids only, values
// stay server-side) and whose turn it is.
// tygo:generate
type GameStartedNotification struct {
	Deck        []string `json:"deck"`
	CurrentTurn string   `json:"currentTurn"`
}

// SyncGameState is the reconnection resync payload: everything a client
// needs to redraw the board exactly as the server has it.
// tygo:generate
type SyncGameState struct {
	MatchedCards []int         `json:"matchedCards"`
	CurrentTurn  string        `json:"currentTurn"`
	FlippedCards []FlippedCard `json:"flippedCards"`
}

// tygo:generate
type FlippedCard struct {
	CardID string `json:"cardId"`
	Value  int    `json:"value"`
	UserID string `json:"userId"`
}

// tygo:generate
type CardFlippedNotification struct {
	CardID string `json:"cardId"`
	Value  int    `json:"value"`
	UserID string `json:"userId"`
}

// tygo:generate
type CardsMatchedNotification struct {
	CardIDs []string `json:"cardIds"`
	UserID  string   `json:"userId"`
}

// tygo:generate
type CardsMismatchNotification struct {
	CardIDs []string `json:"cardIds"`
}

// tygo:generate
type TurnChangedNotification struct {
	UserID string `json:"userId"`
}

// ============================================================================
// RESILIENCE (opponentDisconnected / opponentReconnected / gameOver)
// ============================================================================
// tygo:generate
type PlayerPresenceNotification struct {
	UserID  string `json:"userId"`
	Message string `json:"message,omitempty"`
}

// tygo:generate
type GameWinner struct {
	UserID string `json:"userId"`
	Score  int    `json:"score"`
}

// tygo:generate
type GameOverNotification struct {
	Winner  GameWinner `json:"winner"`
	Reason  string     `json:"reason,omitempty"`
	Message string     `json:"message,omitempty"`
}

// ============================================================================
// REST (lobby collaborator endpoints)
// ============================================================================
// tygo:generate
type CreateGameRequest struct {
	UserID string `json:"userId"`
}

// tygo:generate
type UpdateGameRequest struct {
	Status     string `json:"status,omitempty"`
	OpponentID string `json:"opponentId,omitempty"`
}

// tygo:generate
type TokenRequest struct {
	UserID string `json:"userId"`
}

// tygo:generate
type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}
