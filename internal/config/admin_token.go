package config

import (
	"crypto/rand"
	"encoding/hex"

	zxcvbn "github.com/ccojocar/zxcvbn-go"
)

const weakTokenScoreThreshold = 3

// IsWeakToken returns whether token strength is considered weak.
// An empty token means admin auth is not configured, so it is not weak.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(token, nil)
	return result.Score < weakTokenScoreThreshold
}

// GenerateAdminToken returns a random 32-byte hex token.
func GenerateAdminToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
