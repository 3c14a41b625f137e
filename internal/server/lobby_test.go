package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLobbyFixture(t *testing.T) (*LobbyManager, *memStore, *recorder, string) {
	t.Helper()

	store := newMemStore()
	rec := newRecorder()
	lm := NewLobbyManager(store, rec.notify)
	lm.DissolveDelay = 10 * time.Millisecond

	game, err := store.CreateGame(context.Background(), "ROOM-TEST01", "host-1")
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, game.Status)

	return lm, store, rec, game.RoomID
}

func TestLobbyJoin_CreatesLobbyAndBroadcastsRoster(t *testing.T) {
	lm, _, rec, roomID := newLobbyFixture(t)
	ctx := context.Background()

	err := lm.Join(ctx, roomID, "host-1", "Alice")
	assert.NoError(t, err)

	roster := lm.Roster(roomID)
	require.Len(t, roster, 1)
	assert.Equal(t, "host-1", roster[0].ID)
	assert.Equal(t, "Alice", roster[0].Name)
	assert.False(t, roster[0].Ready)

	msg, ok := rec.lastOfType("host-1", "lobbyUpdate")
	require.True(t, ok)
	assert.Len(t, msg.Payload.(LobbyUpdate).Players, 1)
}

func TestLobbyJoin_SecondPlayerClaimsOpponentSlot(t *testing.T) {
	lm, store, rec, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Join(ctx, roomID, "guest-1", "Bob"))

	game, err := store.GameByRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "guest-1", game.OpponentID)

	// Both members see the two-player roster.
	for _, userID := range []string{"host-1", "guest-1"} {
		msg, ok := rec.lastOfType(userID, "lobbyUpdate")
		require.True(t, ok, "no lobbyUpdate for %s", userID)
		assert.Len(t, msg.Payload.(LobbyUpdate).Players, 2)
	}
}

func TestLobbyJoin_RejoinDoesNotDuplicate(t *testing.T) {
	lm, _, _, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))

	assert.Len(t, lm.Roster(roomID), 1)
}

func TestLobbyJoin_FullLobbyRejectsThirdPlayer(t *testing.T) {
	lm, _, _, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Join(ctx, roomID, "guest-1", "Bob"))

	err := lm.Join(ctx, roomID, "guest-2", "Carol")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOBBY_FULL")
	assert.Len(t, lm.Roster(roomID), 2)
}

func TestLobbyJoin_InProgressGame(t *testing.T) {
	lm, store, _, roomID := newLobbyFixture(t)
	ctx := context.Background()

	status := StatusInProgress
	_, err := store.UpdateGame(ctx, roomID, &status, nil)
	require.NoError(t, err)

	err = lm.Join(ctx, roomID, "guest-1", "Bob")
	assert.ErrorIs(t, err, ErrGameInProgress)
}

func TestLobbyJoin_CompletedGame(t *testing.T) {
	lm, store, _, roomID := newLobbyFixture(t)
	ctx := context.Background()

	status := StatusCompleted
	_, err := store.UpdateGame(ctx, roomID, &status, nil)
	require.NoError(t, err)

	err = lm.Join(ctx, roomID, "guest-1", "Bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GAME_COMPLETED")
}

func TestLobbyJoin_UnknownRoom(t *testing.T) {
	lm, _, _, _ := newLobbyFixture(t)

	err := lm.Join(context.Background(), "ROOM-NOPE00", "host-1", "Alice")
	assert.ErrorIs(t, err, ErrGameNotFound)
}

func TestSetReady_TogglesAndBroadcasts(t *testing.T) {
	lm, _, rec, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Join(ctx, roomID, "guest-1", "Bob"))
	rec.reset()

	require.NoError(t, lm.SetReady(roomID, "guest-1", true))

	roster := lm.Roster(roomID)
	for _, p := range roster {
		if p.ID == "guest-1" {
			assert.True(t, p.Ready)
		} else {
			assert.False(t, p.Ready)
		}
	}

	msg, ok := rec.lastOfType("host-1", "lobbyUpdate")
	require.True(t, ok)
	assert.Len(t, msg.Payload.(LobbyUpdate).Players, 2)

	// Un-ready works the same way.
	require.NoError(t, lm.SetReady(roomID, "guest-1", false))
	for _, p := range lm.Roster(roomID) {
		assert.False(t, p.Ready)
	}
}

func TestSetReady_RepeatedValueIsIdempotent(t *testing.T) {
	lm, _, rec, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Join(ctx, roomID, "guest-1", "Bob"))

	require.NoError(t, lm.SetReady(roomID, "guest-1", true))
	before := lm.Roster(roomID)
	first, ok := rec.lastOfType("host-1", "lobbyUpdate")
	require.True(t, ok)

	// Same value again: same roster broadcast, no drift, no duplicates.
	require.NoError(t, lm.SetReady(roomID, "guest-1", true))
	after := lm.Roster(roomID)
	second, ok := rec.lastOfType("host-1", "lobbyUpdate")
	require.True(t, ok)

	assert.Equal(t, before, after)
	assert.Equal(t, first.Payload, second.Payload)
	assert.Len(t, after, 2)
}

func TestSetReady_AbsentPlayerIsNoop(t *testing.T) {
	lm, _, rec, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	rec.reset()

	assert.NoError(t, lm.SetReady(roomID, "guest-9", true))
	assert.Empty(t, rec.messages("host-1"))
}

func TestSetReady_NoLobby(t *testing.T) {
	lm, _, _, _ := newLobbyFixture(t)

	err := lm.SetReady("ROOM-NOPE00", "host-1", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOBBY_NOT_FOUND")
}

func TestStart_RequiresHost(t *testing.T) {
	lm, _, _, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Join(ctx, roomID, "guest-1", "Bob"))
	require.NoError(t, lm.SetReady(roomID, "guest-1", true))

	err := lm.Start(ctx, roomID, "guest-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_HOST")
}

func TestStart_RequiresTwoPlayers(t *testing.T) {
	lm, _, _, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))

	err := lm.Start(ctx, roomID, "host-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_ENOUGH_PLAYERS")
}

func TestStart_RequiresOpponentReady(t *testing.T) {
	lm, _, _, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Join(ctx, roomID, "guest-1", "Bob"))

	err := lm.Start(ctx, roomID, "host-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_ALL_READY")
}

func TestStart_HostReadinessNotRequired(t *testing.T) {
	lm, _, _, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Join(ctx, roomID, "guest-1", "Bob"))
	require.NoError(t, lm.SetReady(roomID, "guest-1", true))

	// Host never pressed ready and still starts the game.
	assert.NoError(t, lm.Start(ctx, roomID, "host-1"))
}

func TestStart_PersistsBeforeBroadcastAndDissolves(t *testing.T) {
	lm, store, rec, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Join(ctx, roomID, "guest-1", "Bob"))
	require.NoError(t, lm.SetReady(roomID, "guest-1", true))

	require.NoError(t, lm.Start(ctx, roomID, "host-1"))

	game, err := store.GameByRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, game.Status)
	assert.Equal(t, "guest-1", game.OpponentID)
	assert.NotNil(t, game.StartedAt)

	for _, userID := range []string{"host-1", "guest-1"} {
		msg, ok := rec.lastOfType(userID, "gameStarting")
		require.True(t, ok, "no gameStarting for %s", userID)
		payload := msg.Payload.(GameStartingNotification)
		assert.Equal(t, "starting", payload.Status)
		assert.Equal(t, roomID, payload.RoomID)
	}

	// The lobby lingers briefly for the client handoff, then dissolves.
	assert.NotNil(t, lm.Roster(roomID))
	assert.Eventually(t, func() bool {
		return lm.Roster(roomID) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestCancel_HostOnly(t *testing.T) {
	lm, _, _, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Join(ctx, roomID, "guest-1", "Bob"))

	err := lm.Cancel(ctx, roomID, "guest-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_HOST")
}

func TestCancel_DeletesGameAndDissolvesLobby(t *testing.T) {
	lm, store, rec, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Join(ctx, roomID, "guest-1", "Bob"))

	require.NoError(t, lm.Cancel(ctx, roomID, "host-1"))

	_, err := store.GameByRoom(ctx, roomID)
	assert.ErrorIs(t, err, ErrGameNotFound)
	assert.Nil(t, lm.Roster(roomID))

	for _, userID := range []string{"host-1", "guest-1"} {
		msg, ok := rec.lastOfType(userID, "gameCancelled")
		require.True(t, ok, "no gameCancelled for %s", userID)
		assert.Equal(t, "cancelled", msg.Payload.(GameCancelledNotification).Status)
	}
}

func TestLeave_ClearsOpponentSlot(t *testing.T) {
	lm, store, _, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Join(ctx, roomID, "guest-1", "Bob"))

	require.NoError(t, lm.Leave(ctx, roomID, "guest-1"))

	game, err := store.GameByRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, game.OpponentID)

	// The slot is open for someone else now.
	require.NoError(t, lm.Join(ctx, roomID, "guest-2", "Carol"))
	game, err = store.GameByRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, "guest-2", game.OpponentID)
}

func TestLeave_EmptyLobbyDissolves(t *testing.T) {
	lm, _, _, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Leave(ctx, roomID, "host-1"))

	assert.Nil(t, lm.Roster(roomID))
}

func TestLeave_UnknownLobbyOrPlayerIsNoop(t *testing.T) {
	lm, _, _, roomID := newLobbyFixture(t)
	ctx := context.Background()

	assert.NoError(t, lm.Leave(ctx, "ROOM-NOPE00", "host-1"))

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	assert.NoError(t, lm.Leave(ctx, roomID, "guest-9"))
	assert.Len(t, lm.Roster(roomID), 1)
}

func TestHandleDisconnect_RemovesFromLobbyImmediately(t *testing.T) {
	lm, _, rec, roomID := newLobbyFixture(t)
	ctx := context.Background()

	require.NoError(t, lm.Join(ctx, roomID, "host-1", "Alice"))
	require.NoError(t, lm.Join(ctx, roomID, "guest-1", "Bob"))
	rec.reset()

	lm.HandleDisconnect("guest-1")

	roster := lm.Roster(roomID)
	require.Len(t, roster, 1)
	assert.Equal(t, "host-1", roster[0].ID)

	msg, ok := rec.lastOfType("host-1", "lobbyUpdate")
	require.True(t, ok)
	assert.Len(t, msg.Payload.(LobbyUpdate).Players, 1)
}

func TestHandleDisconnect_NotInAnyLobby(t *testing.T) {
	lm, _, rec, _ := newLobbyFixture(t)

	lm.HandleDisconnect("stranger")
	assert.Empty(t, rec.messages("stranger"))
}
