package escrow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/franklinbaldo/egregora-sub010/pkg/pseudonym"
	"golang.org/x/crypto/hkdf"
)

const (
	minSecretLen = 16
	saltInfo     = "irgate/escrow/v1"
)

var ErrWeakSecret = errors.New("escrow: master secret must be at least 16 bytes")

// Hasher derives a per-tenant key from a master secret (HKDF-SHA256) and
// computes HMAC-SHA256 of the canonical raw identifier under it. Equal raw
// identifiers in different tenants hash differently.
type Hasher struct {
	master []byte
	salts  sync.Map // tenant -> []byte
}

func NewHasher(master []byte) (*Hasher, error) {
	if len(master) < minSecretLen {
		return nil, ErrWeakSecret
	}
	return &Hasher{master: append([]byte(nil), master...)}, nil
}

func (h *Hasher) salt(tenantID string) ([]byte, error) {
	if v, ok := h.salts.Load(tenantID); ok {
		return v.([]byte), nil
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, h.master, []byte(saltInfo), []byte(tenantID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("escrow: derive tenant key: %w", err)
	}
	v, _ := h.salts.LoadOrStore(tenantID, key)
	return v.([]byte), nil
}

// Hash returns hex(HMAC-SHA256(tenantKey, canonical(authorRaw))). The raw
// value is canonicalized the same way author ids are, so two spellings that
// map to one author_uuid also map to one hash.
func (h *Hasher) Hash(tenantID, authorRaw string) (string, error) {
	key, err := h.salt(tenantID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(pseudonym.CanonicalAuthor(authorRaw)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
