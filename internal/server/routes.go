package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"memory-server/internal/memory"
)

func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/websocket", s.websocketHandler)

	// REST collaborator endpoints used by the lobby UI before the socket
	// protocol engages.
	mux.HandleFunc("POST /api/games", s.createGameHandler)
	mux.HandleFunc("GET /api/games/{roomId}", s.getGameHandler)
	mux.HandleFunc("PATCH /api/games/{roomId}", s.updateGameHandler)
	mux.HandleFunc("GET /api/leaderboard", s.leaderboardHandler)
	mux.HandleFunc("POST /api/auth/token", s.tokenHandler)

	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.db.Health())
}

// ============================================================================
// WEBSOCKET
// ============================================================================

// websocketHandler is the session router: it authenticates the connection,
// binds it to an identity (evicting any duplicate), then routes every
// inbound message to the lobby or game manager for the named room.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	// Connection-level authentication happens before the socket is usable.
	credential := r.URL.Query().Get("token")
	claimedUserID := r.URL.Query().Get("userId")
	if credential == "" || claimedUserID == "" {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	userID, err := s.authenticator.Verify(credential, claimedUserID)
	if err != nil {
		log.Printf("Rejected connection for %s: %v", claimedUserID, err)
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // TODO: make environment-specific
	})
	if err != nil {
		http.Error(w, "Failed to open websocket", http.StatusInternalServerError)
		return
	}
	defer socket.Close(websocket.StatusGoingAway, "Server closing")

	ctx := r.Context()
	connectionID := uuid.New().String()
	log.Printf("User connected: %s (connection %s)", userID, connectionID)

	// One live connection per identity: the superseded one is told why it
	// is going away, then closed, before this one proceeds.
	if evicted := s.connectionRegistry.Bind(userID, connectionID, socket); evicted != nil {
		log.Printf("Evicting duplicate connection for user %s", userID)
		s.sendMessage(evicted.Conn, context.Background(), ServerMessage{
			Type:    "duplicateConnection",
			Payload: NoticeMessage{Message: "You connected from another device/tab"},
		})
		evicted.Conn.Close(websocket.StatusNormalClosure, "Connected from another device")
	}

	defer func() {
		s.rateLimiter.RemoveConnection(connectionID)

		// Only the still-current connection triggers disconnect handling;
		// an evicted connection's cleanup must not start a grace period
		// for a user who is connected elsewhere.
		if !s.connectionRegistry.Unbind(userID, connectionID) {
			log.Printf("Stale connection %s closed for user %s", connectionID, userID)
			return
		}

		log.Printf("User disconnected: %s (connection %s)", userID, connectionID)
		s.lobbyManager.HandleDisconnect(userID)
		s.gameManager.HandleDisconnect(userID)
	}()

	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			log.Printf("Connection %s read error: %v", connectionID, err)
			return
		}

		if msgType != websocket.MessageText {
			log.Printf("Non-text input from %s", connectionID)
			continue
		}

		if !s.rateLimiter.Allow(connectionID) {
			s.sendError(socket, ctx, "RATE_LIMITED: Too many messages, slow down")
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Invalid JSON from %s: %v", connectionID, err)
			s.sendError(socket, ctx, "Invalid JSON")
			continue
		}

		if msg.Type != "ping" {
			log.Printf("Message type '%s' from %s", msg.Type, userID)
		}

		switch msg.Type {
		case "ping":
			s.sendMessage(socket, ctx, ServerMessage{Type: "pong", Payload: struct{}{}})

		case "joinLobby":
			s.handleJoinLobby(socket, ctx, userID, msg.Payload)

		case "leaveLobby":
			s.handleLeaveLobby(socket, ctx, userID, msg.Payload)

		case "playerReady":
			s.handlePlayerReady(socket, ctx, userID, msg.Payload)

		case "startGame":
			s.handleStartGame(socket, ctx, userID, msg.Payload)

		case "cancelGame":
			s.handleCancelGame(socket, ctx, userID, msg.Payload)

		case "joinGame":
			s.handleJoinGame(socket, ctx, userID, msg.Payload)

		case "flipCard":
			s.handleFlipCard(socket, ctx, userID, msg.Payload)

		default:
			log.Printf("Unknown message type '%s' from %s", msg.Type, connectionID)
			s.sendError(socket, ctx, fmt.Sprintf("Unknown message type: %s", msg.Type))
		}
	}
}

func (s *Server) handleJoinLobby(socket *websocket.Conn, ctx context.Context, userID string, payload json.RawMessage) {
	var req JoinLobbyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid joinLobby payload")
		return
	}

	if req.RoomID == "" || req.UserID == "" || req.UserName == "" {
		s.sendError(socket, ctx, "Missing required fields: roomId, userId, or userName")
		return
	}

	// The payload identity must be the authenticated one; the client is
	// untrusted.
	if req.UserID != userID {
		s.sendError(socket, ctx, "AUTH_FAILED: Identity mismatch")
		return
	}

	err := s.lobbyManager.Join(ctx, NormalizeRoomID(req.RoomID), userID, req.UserName)
	if errors.Is(err, ErrGameInProgress) {
		s.sendMessage(socket, ctx, ServerMessage{
			Type:    "gameInProgress",
			Payload: NoticeMessage{Message: "This game is already in progress", RoomID: req.RoomID},
		})
		return
	}
	if err != nil {
		s.sendError(socket, ctx, err.Error())
	}
}

func (s *Server) handleLeaveLobby(socket *websocket.Conn, ctx context.Context, userID string, payload json.RawMessage) {
	var req LeaveLobbyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid leaveLobby payload")
		return
	}

	if err := s.lobbyManager.Leave(ctx, NormalizeRoomID(req.RoomID), userID); err != nil {
		s.sendError(socket, ctx, err.Error())
	}
}

func (s *Server) handlePlayerReady(socket *websocket.Conn, ctx context.Context, userID string, payload json.RawMessage) {
	var req PlayerReadyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid playerReady payload")
		return
	}

	if err := s.lobbyManager.SetReady(NormalizeRoomID(req.RoomID), userID, req.Ready); err != nil {
		s.sendError(socket, ctx, err.Error())
	}
}

func (s *Server) handleStartGame(socket *websocket.Conn, ctx context.Context, userID string, payload json.RawMessage) {
	var req StartGameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid startGame payload")
		return
	}

	if err := s.lobbyManager.Start(ctx, NormalizeRoomID(req.RoomID), userID); err != nil {
		s.sendError(socket, ctx, err.Error())
	}
}

func (s *Server) handleCancelGame(socket *websocket.Conn, ctx context.Context, userID string, payload json.RawMessage) {
	var req CancelGameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid cancelGame payload")
		return
	}

	if err := s.lobbyManager.Cancel(ctx, NormalizeRoomID(req.RoomID), userID); err != nil {
		s.sendError(socket, ctx, err.Error())
	}
}

func (s *Server) handleJoinGame(socket *websocket.Conn, ctx context.Context, userID string, payload json.RawMessage) {
	var req JoinGameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid joinGame payload")
		return
	}

	if err := s.gameManager.Join(ctx, NormalizeRoomID(req.RoomID), userID); err != nil {
		s.sendError(socket, ctx, err.Error())
	}
}

func (s *Server) handleFlipCard(socket *websocket.Conn, ctx context.Context, userID string, payload json.RawMessage) {
	var req FlipCardRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.sendError(socket, ctx, "Invalid flipCard payload")
		return
	}

	cardIndex := memory.ParseCardID(req.CardID)
	if err := s.gameManager.FlipCard(ctx, NormalizeRoomID(req.RoomID), userID, cardIndex); err != nil {
		s.sendError(socket, ctx, err.Error())
	}
}

// ============================================================================
// SEND HELPERS
// ============================================================================

func (s *Server) sendMessage(socket *websocket.Conn, ctx context.Context, msg ServerMessage) error {
	if socket == nil {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	return socket.Write(ctx, websocket.MessageText, data)
}

// sendError reports a rejected mutation to the offending connection only.
func (s *Server) sendError(socket *websocket.Conn, ctx context.Context, msg string) {
	err := s.sendMessage(socket, ctx, ServerMessage{
		Type:    "error",
		Payload: ErrorMessage{Message: msg},
	})
	if err != nil {
		log.Printf("Failed to send error message: %v", err)
	}
}

// notifyUser is the managers' transport: deliver to whatever connection is
// currently live for the identity, silently skipping offline users.
func (s *Server) notifyUser(userID string, msg ServerMessage) {
	live := s.connectionRegistry.Get(userID)
	if live == nil {
		return
	}

	if err := s.sendMessage(live.Conn, context.Background(), msg); err != nil {
		log.Printf("Failed to send %s to %s: %v", msg.Type, userID, err)
	}
}

// ============================================================================
// REST HANDLERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) createGameHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "Missing userId")
		return
	}

	existing, err := s.store.ActiveGameForUser(r.Context(), req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create game")
		return
	}
	if existing != nil {
		writeError(w, http.StatusBadRequest, "User is already in a game")
		return
	}

	game, err := s.store.CreateGame(r.Context(), GenerateRoomID(), req.UserID)
	if err != nil {
		log.Printf("Failed to create game: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create game")
		return
	}

	log.Printf("Created game %s for host %s", game.RoomID, req.UserID)
	writeJSON(w, http.StatusOK, gameJSON(game))
}

func (s *Server) getGameHandler(w http.ResponseWriter, r *http.Request) {
	roomID := NormalizeRoomID(r.PathValue("roomId"))

	game, err := s.store.GameByRoom(r.Context(), roomID)
	if errors.Is(err, ErrGameNotFound) {
		writeError(w, http.StatusNotFound, "Game not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch game")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"game": gameJSON(game)})
}

func (s *Server) updateGameHandler(w http.ResponseWriter, r *http.Request) {
	roomID := NormalizeRoomID(r.PathValue("roomId"))

	var req UpdateGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var status *GameStatus
	if req.Status != "" {
		st := GameStatus(req.Status)
		status = &st
	}
	var opponentID *string
	if req.OpponentID != "" {
		opponentID = &req.OpponentID
	}

	game, err := s.store.UpdateGame(r.Context(), roomID, status, opponentID)
	if errors.Is(err, ErrGameNotFound) {
		writeError(w, http.StatusNotFound, "Game not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update game")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"game": gameJSON(game)})
}

func (s *Server) leaderboardHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Leaderboard(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get leaderboard")
		return
	}
	if entries == nil {
		entries = []LeaderboardEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"leaderboard": entries})
}

// tokenHandler is a development stand-in for the external token issuer.
func (s *Server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "User ID is required")
		return
	}

	token, err := s.authenticator.Issue(req.UserID, 24*time.Hour)
	if err != nil {
		log.Printf("Failed to issue token: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{Token: token, UserID: req.UserID})
}

func gameJSON(game *GameRecord) map[string]interface{} {
	return map[string]interface{}{
		"id":         game.ID,
		"roomId":     game.RoomID,
		"hostId":     game.HostID,
		"opponentId": game.OpponentID,
		"status":     string(game.Status),
		"winnerId":   game.WinnerID,
		"createdAt":  game.CreatedAt,
		"startedAt":  game.StartedAt,
		"endedAt":    game.EndedAt,
	}
}
