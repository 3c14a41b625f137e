package memory

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

const (
	// CardPairs is the number of distinct card values in a deck.
	CardPairs = 8

	// TotalCards is the deck size (every value appears exactly twice).
	TotalCards = CardPairs * 2
)

// NewDeck returns a freshly shuffled deck: values 0..CardPairs-1, each twice,
// in a uniform random permutation (Fisher-Yates).
func NewDeck() []int {
	deck := make([]int, 0, TotalCards)
	for v := 0; v < CardPairs; v++ {
		deck = append(deck, v, v)
	}

	for i := len(deck) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		deck[i], deck[j] = deck[j], deck[i]
	}

	return deck
}

// Result is the outcome of comparing two revealed cards.
type Result int

const (
	Mismatch Result = iota
	Match
)

// Evaluate compares two card values. It is a pure function over values;
// card positions play no part in the comparison.
func Evaluate(valueA, valueB int) Result {
	if valueA == valueB {
		return Match
	}
	return Mismatch
}

// CardID converts a deck index to its wire identifier ("card-3").
func CardID(index int) string {
	return fmt.Sprintf("card-%d", index)
}

// ParseCardID converts a wire identifier back to a deck index.
// Returns -1 for anything malformed; range checks are the caller's job.
func ParseCardID(id string) int {
	rest, ok := strings.CutPrefix(id, "card-")
	if !ok {
		return -1
	}
	index, err := strconv.Atoi(rest)
	if err != nil || index < 0 {
		return -1
	}
	return index
}

// DeckIDs returns the wire identifiers for every card position in order.
// Values stay server-side; clients only ever see positions until a flip.
func DeckIDs() []string {
	ids := make([]string, TotalCards)
	for i := range ids {
		ids[i] = CardID(i)
	}
	return ids
}
