package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

var sessionIDRegex = regexp.MustCompile(`^sess_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateSessionID returns an id of the form sess_<unix seconds>_<8 hex>.
func GenerateSessionID() (string, error) {
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("sess_%010d_%s", time.Now().Unix(), hex.EncodeToString(randomBytes)), nil
}

func ValidateSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
}
