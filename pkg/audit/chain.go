// Package audit records who touched the re-identification escrow and when.
//
// Entries are kept in an append-only hash chain: each entry's hash covers
// the RFC 8785 canonical form of its fields plus the previous entry's hash,
// so any edit, reordering, or deletion breaks Verify. A chain can mirror
// every appended entry to an io.Writer as JSON lines and be reloaded from
// that stream later.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

const genesis = "genesis"

var (
	ErrChainBroken   = errors.New("audit: hash chain is broken")
	ErrEntryNotFound = errors.New("audit: entry not found")
)

// Kind categorizes chain entries.
type Kind string

const (
	KindLookup Kind = "escrow_lookup"
	KindSweep  Kind = "escrow_sweep"
	KindExport Kind = "evidence_export"
)

// Entry is one immutable link of the chain.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Kind         Kind            `json:"kind"`
	Subject      string          `json:"subject"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Chain is an append-only, hash-linked audit log.
type Chain struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
	head    string
	sink    io.Writer
	now     func() time.Time
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithSink mirrors each appended entry to w as one JSON line. A failed
// write fails the Append and leaves the chain unchanged.
func WithSink(w io.Writer) ChainOption {
	return func(c *Chain) { c.sink = w }
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) ChainOption {
	return func(c *Chain) { c.now = now }
}

func NewChain(opts ...ChainOption) *Chain {
	c := &Chain{
		byID: make(map[string]*Entry),
		head: genesis,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReadChain rebuilds a chain from JSON lines written by a sink and verifies
// it. Options apply to the returned chain, so a caller can keep appending to
// the same file.
func ReadChain(r io.Reader, opts ...ChainOption) (*Chain, error) {
	c := NewChain(opts...)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("audit: entry %d: %w", len(c.entries)+1, err)
		}
		c.entries = append(c.entries, &e)
		c.byID[e.EntryID] = &e
		c.head = e.EntryHash
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: read chain: %w", err)
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return c, nil
}

// Append adds an entry linking to the current head.
func (c *Chain) Append(kind Kind, subject, action string, payload any) (*Entry, error) {
	body := []byte("{}")
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("audit: serialize payload: %w", err)
		}
	}
	payloadHash, err := canonicalHash(body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     uint64(len(c.entries)) + 1,
		Timestamp:    c.now().UTC(),
		Kind:         kind,
		Subject:      subject,
		Action:       action,
		Payload:      body,
		PayloadHash:  payloadHash,
		PreviousHash: c.head,
	}
	if e.EntryHash, err = entryHash(e); err != nil {
		return nil, err
	}

	if c.sink != nil {
		line, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("audit: serialize entry: %w", err)
		}
		if _, err := c.sink.Write(append(line, '\n')); err != nil {
			return nil, fmt.Errorf("audit: write sink: %w", err)
		}
	}

	c.entries = append(c.entries, e)
	c.byID[e.EntryID] = e
	c.head = e.EntryHash
	return e, nil
}

func canonicalHash(data []byte) (string, error) {
	canon, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func entryHash(e *Entry) (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		Kind         Kind      `json:"kind"`
		Subject      string    `json:"subject"`
		Action       string    `json:"action"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.Kind, e.Subject, e.Action, e.PayloadHash, e.PreviousHash}

	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("audit: marshal entry for hashing: %w", err)
	}
	return canonicalHash(data)
}

// Get returns an entry by id.
func (c *Chain) Get(id string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// Head returns the hash of the latest entry, or "genesis" when empty.
func (c *Chain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Filter selects entries in Query. Zero fields match everything.
type Filter struct {
	Kind       Kind
	Subject    string
	Start      time.Time
	End        time.Time
	MaxResults int
}

func (f Filter) matches(e *Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

// Query returns matching entries in sequence order.
func (c *Chain) Query(f Filter) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Entry, 0)
	for _, e := range c.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.MaxResults > 0 && len(out) >= f.MaxResults {
			break
		}
	}
	return out
}

// Verify recomputes every link and payload hash.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	prev := genesis
	for i, e := range c.entries {
		if e.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i+1, e.Sequence)
		}
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, e.Sequence, e.PreviousHash, prev)
		}
		ph, err := canonicalHash(e.Payload)
		if err != nil || ph != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, e.Sequence)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, e.Sequence, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, e.Sequence, computed, e.EntryHash)
		}
		prev = e.EntryHash
	}
	return nil
}
