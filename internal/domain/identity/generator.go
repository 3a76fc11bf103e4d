package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ShortIDAlphabet is the set of characters short ids are drawn from.
const ShortIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ShortIDLength is the number of characters in a short id.
const ShortIDLength = 4

// GUIDLength is the number of hex characters in a GUID.
const GUIDLength = 32

// maxUnbiasedByte is the largest multiple of len(ShortIDAlphabet) that fits in
// a byte; bytes at or above it are discarded so every character is equally
// likely.
const maxUnbiasedByte = 256 - 256%len(ShortIDAlphabet)

// Generator draws short ids and GUIDs from a random source.
type Generator struct {
	rand io.Reader
}

// NewGenerator returns a Generator reading from r, or from crypto/rand when r
// is nil.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

// ShortID returns ShortIDLength characters from ShortIDAlphabet.
func (g *Generator) ShortID() (string, error) {
	out := make([]byte, 0, ShortIDLength)
	var b [1]byte
	for len(out) < ShortIDLength {
		if _, err := io.ReadFull(g.rand, b[:]); err != nil {
			return "", fmt.Errorf("read random source: %w", err)
		}
		if int(b[0]) >= maxUnbiasedByte {
			continue
		}
		out = append(out, ShortIDAlphabet[int(b[0])%len(ShortIDAlphabet)])
	}
	return string(out), nil
}

// GUID returns a random (version 4) UUID as 32 lowercase hex characters.
func (g *Generator) GUID() (string, error) {
	u, err := uuid.NewRandomFromReader(g.rand)
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return hex.EncodeToString(u[:]), nil
}

// NewIDs returns a fresh short id and GUID without checking them against
// anything.
func (g *Generator) NewIDs() (SubjectIDs, error) {
	shortID, err := g.ShortID()
	if err != nil {
		return SubjectIDs{}, err
	}
	guid, err := g.GUID()
	if err != nil {
		return SubjectIDs{}, err
	}
	return SubjectIDs{ShortID: shortID, GUID: guid}, nil
}

// UniqueShortID draws short ids until one is not in taken.
func (g *Generator) UniqueShortID(taken map[string]struct{}) (string, error) {
	for {
		id, err := g.ShortID()
		if err != nil {
			return "", err
		}
		if _, ok := taken[id]; !ok {
			return id, nil
		}
	}
}

// UniqueGUID draws GUIDs until one is not in taken.
func (g *Generator) UniqueGUID(taken map[string]struct{}) (string, error) {
	for {
		guid, err := g.GUID()
		if err != nil {
			return "", err
		}
		if _, ok := taken[guid]; !ok {
			return guid, nil
		}
	}
}

// IsShortID reports whether s has the shape of a generated short id.
func IsShortID(s string) bool {
	if len(s) != ShortIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// IsGUID reports whether s has the shape of a generated GUID.
func IsGUID(s string) bool {
	if len(s) != GUIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
