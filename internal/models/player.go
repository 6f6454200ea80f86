package models

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

// MaxNicknameLength is counted in characters, not bytes.
const MaxNicknameLength = 20

type Player struct {
	ID                      string    `json:"id"`
	Nickname                string    `json:"nickname"`
	Online                  bool      `json:"online"`
	RevealedCharacteristics []string  `json:"revealedCharacteristics"`
	Alive                   bool      `json:"alive"`
	Character               Character `json:"character"`
}

// NewPlayer returns a freshly joined player: online, alive, nothing generated or revealed.
func NewPlayer(id, nickname string) *Player {
	return &Player{
		ID:                      id,
		Nickname:                nickname,
		Online:                  true,
		RevealedCharacteristics: []string{},
		Alive:                   true,
	}
}

// HasRevealed reports whether field is already in the revealed set.
func (p *Player) HasRevealed(field string) bool {
	return slices.Contains(p.RevealedCharacteristics, field)
}

// Reveal adds field to the revealed set. It returns false if it was already there.
func (p *Player) Reveal(field string) bool {
	if p.HasRevealed(field) {
		return false
	}
	p.RevealedCharacteristics = append(p.RevealedCharacteristics, field)
	return true
}

// NormalizeNickname trims surrounding whitespace and enforces the 1-20 character bound.
func NormalizeNickname(nickname string) (string, error) {
	nickname = strings.TrimSpace(nickname)
	n := utf8.RuneCountInString(nickname)
	if n < 1 || n > MaxNicknameLength {
		return "", fmt.Errorf("%w: nickname must be between 1 and %d characters", ErrInvalidInput, MaxNicknameLength)
	}
	return nickname, nil
}
