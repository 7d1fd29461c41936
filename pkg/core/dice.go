package core

import (
	"fmt"
	"time"
)

// Face is a single die value in [1,6].
type Face int

const (
	MinFace Face = 1
	MaxFace Face = 6
)

// Valid reports whether f is a face a die can show.
func (f Face) Valid() bool {
	return f >= MinFace && f <= MaxFace
}

// Pair is two dice in the order the page returned them.
// Two pairs are the same roll only if both positions match.
type Pair struct {
	First  Face `json:"first"`
	Second Face `json:"second"`
}

// NewPair builds a pair from two resolved faces.
func NewPair(first, second Face) (Pair, error) {
	if !first.Valid() || !second.Valid() {
		return Pair{}, fmt.Errorf("invalid dice pair (%d, %d)", first, second)
	}
	return Pair{First: first, Second: second}, nil
}

// Sum returns the total of both dice.
func (p Pair) Sum() int {
	return int(p.First) + int(p.Second)
}

// IsDouble reports whether both dice show the same face.
func (p Pair) IsDouble() bool {
	return p.First == p.Second
}

func (p Pair) String() string {
	return fmt.Sprintf("(%d,%d)", p.First, p.Second)
}

// Classification is the derived label of a roll.
type Classification string

const (
	ClassEven     Classification = "Even"
	ClassOdd      Classification = "Odd"
	// ClassEvenPair is the only pair label: equal faces always sum to an
	// even number.
	ClassEvenPair Classification = "Even, Pair"
)

// Classify labels a pair by sum parity, suffixed with "Pair" for doubles.
func Classify(p Pair) Classification {
	switch {
	case p.IsDouble():
		return ClassEvenPair
	case p.Sum()%2 == 0:
		return ClassEven
	default:
		return ClassOdd
	}
}

// IsEven reports whether the classification has an even sum.
func (c Classification) IsEven() bool {
	return c == ClassEven || c == ClassEvenPair
}

// IsPair reports whether the classification is a double.
func (c Classification) IsPair() bool {
	return c == ClassEvenPair
}

// RollEvent is one distinct roll observed on the table.
type RollEvent struct {
	Time  time.Time      `json:"time"`
	Pair  Pair           `json:"pair"`
	Sum   int            `json:"sum"`
	Class Classification `json:"class"`
}

// NewRollEvent derives sum and classification from the pair.
func NewRollEvent(at time.Time, p Pair) RollEvent {
	return RollEvent{
		Time:  at,
		Pair:  p,
		Sum:   p.Sum(),
		Class: Classify(p),
	}
}
