package models

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode/utf8"
)

const (
	RoomCodeLength = 6
	RoomCodeChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	DefaultMaxMessageLength = 1000
)

// GenerateRoomCode generates a random room code
func GenerateRoomCode() string {
	code := make([]byte, RoomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(RoomCodeChars))))
		code[i] = RoomCodeChars[n.Int64()]
	}
	return string(code)
}

// IsValidRoomCode reports whether s is exactly RoomCodeLength characters from RoomCodeChars.
func IsValidRoomCode(s string) bool {
	if len(s) != RoomCodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(RoomCodeChars, s[i]) < 0 {
			return false
		}
	}
	return true
}

// IsValidMessage applies ValidMessage with the default length ceiling.
func IsValidMessage(s string) bool {
	return ValidMessage(s, DefaultMaxMessageLength)
}

// ValidMessage reports whether s is not blank and at most maxLen characters long.
func ValidMessage(s string, maxLen int) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	return utf8.RuneCountInString(s) <= maxLen
}
