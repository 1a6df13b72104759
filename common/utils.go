// Package common provides shared constants, types, and utilities
// used across the VPN session daemon and its front ends.
package common

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a unique identifier usable as the last element of
// a bus object path. Object path elements may only contain [A-Za-z0-9_],
// so the uuid dashes are replaced.
func GenerateID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "x")
}

// ObjectPath joins a root object path and a generated id.
func ObjectPath(root string) string {
	return root + "/" + GenerateID()
}

// IsAlias reports whether target is an alias name rather than an object
// path. Object paths always begin with a slash.
func IsAlias(target string) bool {
	return !strings.HasPrefix(target, "/")
}

// ValidAlias reports whether alias can be used as a bus object path element.
func ValidAlias(alias string) bool {
	if alias == "" || !IsAlias(alias) {
		return false
	}
	for _, r := range alias {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// GetConfigDir returns the path to the per-user configuration directory.
// It creates the directory if it doesn't exist.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}

	configDir := filepath.Join(homeDir, ".config", ConfigDirName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", WrapError(err, "failed to create config directory")
	}

	return configDir, nil
}
