package snapshot

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// idPattern is part of the public contract: restore inputs are validated
// against it before touching the store.
var idPattern = regexp.MustCompile(`^snap_\d{8}T\d{6}_[0-9a-f]{8}$`)

// newID builds a snapshot id from the wall clock (UTC) plus an 8-hex
// cryptographically random suffix. The suffix keeps two snapshots created
// in the same second distinguishable and their ordering stable.
func newID(now time.Time) (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate id suffix: %w", err)
	}

	return fmt.Sprintf("snap_%s_%s", now.UTC().Format("20060102T150405"), hex.EncodeToString(buf[:])), nil
}

// ValidID reports whether id matches the snapshot id contract.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
