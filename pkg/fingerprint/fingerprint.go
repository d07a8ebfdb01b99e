// Package fingerprint computes the content hashes that decide whether a
// court needs re-geocoding or a claim needs re-evaluation.
//
// Hashes are hex-encoded SHA-256 digests over pipe-joined fields. Missing
// values hash as empty strings, so NULL and "" are indistinguishable.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Court hashes the fields that determine a court's coordinates.
func Court(courtID int64, address, city string) string {
	return digest(strconv.FormatInt(courtID, 10), address, city)
}

// ClaimInput is the tuple that determines a claim's assignment.
type ClaimInput struct {
	ClaimID      int64
	Address      string
	Neighborhood string
	City         string
	Department   string
	Tier         string
}

// Claim hashes the fields that determine a claim's assignment outcome.
func Claim(in ClaimInput) string {
	return digest(
		strconv.FormatInt(in.ClaimID, 10),
		in.Address,
		in.Neighborhood,
		in.City,
		in.Department,
		in.Tier,
	)
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
