package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key derives a deterministic cache key from a function name and the full
// set of arguments passed to it. Maps are encoded with sorted keys at every
// level, so equal arguments built in a different order give the same key.
// Arguments are hashed, never embedded: keys are safe to log.
func Key(name string, args ...any) (string, error) {
	canonical, err := Canonical(args...)
	if err != nil {
		return "", fmt.Errorf("could not derive cache key for %s: %w", name, err)
	}

	sum := sha256.Sum256([]byte(canonical))

	return name + ":" + hex.EncodeToString(sum[:]), nil
}

// Canonical returns the canonical JSON encoding of args.
func Canonical(args ...any) (string, error) {
	if args == nil {
		args = []any{}
	}

	b, err := json.Marshal(args)
	if err != nil {
		return "", err
	}

	return string(b), nil
}
