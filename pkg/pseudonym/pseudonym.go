// Package pseudonym maps raw identifiers to stable opaque identifiers.
//
// Every function here is pure: same inputs, same bytes out, forever, unless
// the namespace registry's major version is bumped. The scheme is UUIDv5
// (SHA-1 over seed || canonical input). Tenant and source salt the seed, so
// the same raw name under two tenants or two platforms yields unrelated ids.
package pseudonym

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/franklinbaldo/egregora-sub010/pkg/namespace"
)

// unit separator between composite key parts; cannot appear after canonicalization
// of ordinary identifiers and keeps ("ab","c") distinct from ("a","bc").
const sep = "\x1f"

// Canonical applies NFC normalization and trims surrounding whitespace.
func Canonical(s string) string {
	return strings.TrimFunc(norm.NFC.String(s), unicode.IsSpace)
}

// CanonicalAuthor is Canonical plus Unicode case folding. Folding is applied
// after NFC and re-normalized, since folding can denormalize some sequences.
func CanonicalAuthor(s string) string {
	// cases.Caser is stateful; one per call.
	return norm.NFC.String(cases.Fold().String(Canonical(s)))
}

func scoped(seed uuid.UUID, tenantID, source string) uuid.UUID {
	return uuid.NewSHA1(seed, []byte(Canonical(tenantID)+sep+Canonical(source)))
}

// AuthorID derives author_uuid from (tenant_id, source, author_raw).
// Empty or blank identifiers still map to a stable id.
func AuthorID(tenantID, source, authorRaw string) uuid.UUID {
	return uuid.NewSHA1(scoped(namespace.Author, tenantID, source), []byte(CanonicalAuthor(authorRaw)))
}

// ThreadID derives thread_id from (tenant_id, source, thread_key).
func ThreadID(tenantID, source, threadKey string) uuid.UUID {
	return uuid.NewSHA1(scoped(namespace.Thread, tenantID, source), []byte(Canonical(threadKey)))
}

// EventID derives event_id from (source, msg_id).
func EventID(source, msgID string) uuid.UUID {
	return uuid.NewSHA1(namespace.Event, []byte(Canonical(source)+sep+Canonical(msgID)))
}

// MessageKey scopes a source-native message id by its opaque thread id.
// Native ids are only unique per thread, and the thread id already carries
// the tenant, so EventID(source, MessageKey(thread, msg)) is unique per
// (tenant_id, source, thread_id, msg_id).
func MessageKey(threadID uuid.UUID, msgID string) string {
	return threadID.String() + sep + msgID
}
