// Package canonicalize produces deterministic byte forms and digests for
// anything that participates in a hash: context packs, plan fingerprints,
// artifact bundles. Strings are NFC-normalized before encoding so visually
// identical paths and symbols hash identically.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// DigestPrefix marks every digest this package emits.
const DigestPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON encoding of v.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return out, nil
}

// HashBytes returns the hex sha256 of b, without prefix.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash returns the prefixed digest of the canonical encoding of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return DigestPrefix + HashBytes(b), nil
}

// NFC normalizes s to Unicode NFC form.
func NFC(s string) string {
	return norm.NFC.String(s)
}

// NFCSlice returns a new slice with every element NFC-normalized.
func NFCSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = NFC(s)
	}
	return out
}

// SortedUnique normalizes, sorts, and dedupes a string slice. The result is
// the stable input form for set-valued hashes.
func SortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		n := NFC(s)
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// packScope is the hashed shape for a context pack: the sorted file list
// under a fixed scope envelope.
type packScope struct {
	Scope struct {
		AllowedFiles []string `json:"allowedFiles"`
	} `json:"scope"`
}

// PackHash computes the canonical digest of a pack's file set. The digest is
// a pure function of the set: order and duplicates in the input do not matter.
func PackHash(files []string) (string, error) {
	var p packScope
	p.Scope.AllowedFiles = SortedUnique(files)
	return CanonicalHash(p)
}

// PlanFingerprint computes the canonical digest of a plan document as
// submitted, for audit trails and idempotent resubmission detection.
func PlanFingerprint(doc any) (string, error) {
	return CanonicalHash(doc)
}
