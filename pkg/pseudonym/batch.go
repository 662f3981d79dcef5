package pseudonym

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ChunkSize is the number of rows handed to one worker by the batch transforms.
const ChunkSize = 2048

// ErrLengthMismatch is returned when input columns differ in length.
var ErrLengthMismatch = errors.New("pseudonym: column length mismatch")

// AuthorIDs is the columnar form of AuthorID. All slices must have equal length.
func AuthorIDs(tenantIDs, sources, authors []string) ([]string, error) {
	if len(tenantIDs) != len(authors) || len(sources) != len(authors) {
		return nil, ErrLengthMismatch
	}
	out := make([]string, len(authors))
	_ = forChunks(len(authors), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			out[i] = AuthorID(tenantIDs[i], sources[i], authors[i]).String()
		}
		return nil
	})
	return out, nil
}

// ThreadIDs is the columnar form of ThreadID.
func ThreadIDs(tenantIDs, sources, threadKeys []string) ([]string, error) {
	if len(tenantIDs) != len(threadKeys) || len(sources) != len(threadKeys) {
		return nil, ErrLengthMismatch
	}
	out := make([]string, len(threadKeys))
	_ = forChunks(len(threadKeys), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			out[i] = ThreadID(tenantIDs[i], sources[i], threadKeys[i]).String()
		}
		return nil
	})
	return out, nil
}

// EventIDs derives event ids for rows whose thread ids are already opaque.
func EventIDs(sources, threadIDs, msgIDs []string) ([]string, error) {
	if len(sources) != len(msgIDs) || len(threadIDs) != len(msgIDs) {
		return nil, ErrLengthMismatch
	}
	out := make([]string, len(msgIDs))
	err := forChunks(len(msgIDs), func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			tid, err := uuid.Parse(threadIDs[i])
			if err != nil {
				return fmt.Errorf("pseudonym: row %d: thread_id is not opaque: %w", i, err)
			}
			out[i] = EventID(sources[i], MessageKey(tid, msgIDs[i])).String()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// forChunks runs fn over [0,n) in disjoint ranges on a bounded worker pool.
// Each range writes only its own output indices, so no locking is needed.
func forChunks(n int, fn func(lo, hi int) error) error {
	if n <= ChunkSize {
		return fn(0, n)
	}
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for lo := 0; lo < n; lo += ChunkSize {
		hi := min(lo+ChunkSize, n)
		g.Go(func() error {
			return fn(lo, hi)
		})
	}
	return g.Wait()
}
