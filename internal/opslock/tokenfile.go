package opslock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TokenFile is the on-disk record the CLI writes after a successful acquire
// so a later release can present the same fencing token.
type TokenFile struct {
	Name       string    `json:"name"`
	Token      string    `json:"token"`
	HeldBy     string    `json:"held_by"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SaveToken writes the token file with owner-only permissions.
func SaveToken(path string, tf TokenFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// LoadToken reads a token file written by SaveToken.
func LoadToken(path string) (TokenFile, error) {
	var tf TokenFile
	data, err := os.ReadFile(path)
	if err != nil {
		return tf, fmt.Errorf("read token file: %w", err)
	}
	if err := json.Unmarshal(data, &tf); err != nil {
		return tf, fmt.Errorf("parse token file: %w", err)
	}
	return tf, nil
}

// RemoveToken deletes the token file. A missing file is not an error.
func RemoveToken(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
