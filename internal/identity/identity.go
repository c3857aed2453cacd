// Package identity resolves the user id a chatwire process acts for.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidUserID is returned for user ids the backend would not accept.
var ErrInvalidUserID = errors.New("invalid user id")

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
)

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

// IsAnonymous reports whether userID was generated by Resolve.
func IsAnonymous(userID string) bool {
	return isValidAnonID(userID)
}

// DisplayName returns a short label for userID.
func DisplayName(userID string) string {
	if isValidAnonID(userID) {
		return "anon-" + userID[len(userID)-8:]
	}
	return userID
}

// Resolve returns configured when set. Otherwise it returns the anonymous
// per-device id stored at path, creating one on first use.
func Resolve(configured, path string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		if !userIDPattern.MatchString(id) {
			return "", fmt.Errorf("%w: %q", ErrInvalidUserID, id)
		}
		return id, nil
	}

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); isValidAnonID(id) {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read identity file: %w", err)
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write identity file: %w", err)
	}
	return id, nil
}
