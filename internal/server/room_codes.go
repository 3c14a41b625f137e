package server

import (
	"errors"
	"math/rand"
	"strings"
)

const (
	roomIDPrefix = "ROOM-"
	roomIDLength = 6
)

const roomIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// GenerateRoomID returns a fresh room identifier ("ROOM-A1B2C3").
func GenerateRoomID() string {
	code := make([]byte, roomIDLength)
	for i := range code {
		code[i] = roomIDAlphabet[rand.Intn(len(roomIDAlphabet))]
	}
	return roomIDPrefix + string(code)
}

// ValidateRoomID checks the wire format before any map or database lookup.
func ValidateRoomID(roomID string) error {
	rest, ok := strings.CutPrefix(roomID, roomIDPrefix)
	if !ok {
		return errors.New("ROOM_INVALID: Room id must start with ROOM-")
	}

	if len(rest) != roomIDLength {
		return errors.New("ROOM_INVALID: Room code must be exactly 6 characters")
	}

	for _, ch := range rest {
		if !strings.ContainsRune(roomIDAlphabet, ch) {
			return errors.New("ROOM_INVALID: Room code must contain only A-Z and 0-9")
		}
	}

	return nil
}

func NormalizeRoomID(roomID string) string {
	return strings.ToUpper(strings.TrimSpace(roomID))
}
