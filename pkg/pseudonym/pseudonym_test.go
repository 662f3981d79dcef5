package pseudonym

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorID_Deterministic(t *testing.T) {
	a := AuthorID("default", "whatsapp", "Alice")
	b := AuthorID("default", "whatsapp", "Alice")
	assert.Equal(t, a, b)
	assert.Equal(t, uuid.Version(5), a.Version())
	assert.Equal(t, uuid.RFC4122, a.Variant())
}

func TestAuthorID_TenantIsolation(t *testing.T) {
	assert.NotEqual(t, AuthorID("acme", "whatsapp", "Alice"), AuthorID("other", "whatsapp", "Alice"))
}

func TestAuthorID_SourceSeparation(t *testing.T) {
	assert.NotEqual(t, AuthorID("acme", "whatsapp", "Alice"), AuthorID("acme", "slack", "Alice"))
}

func TestAuthorID_CaseAndWhitespace(t *testing.T) {
	want := AuthorID("default", "whatsapp", "alice")
	for _, in := range []string{"ALICE", "Alice", "  Alice  ", "\tAlice\n"} {
		assert.Equal(t, want, AuthorID("default", "whatsapp", in), "input %q", in)
	}
}

func TestAuthorID_UnicodeNormalization(t *testing.T) {
	composed := "Jos\u00e9"    // é as one code point
	decomposed := "Jose\u0301" // e + combining acute
	require.NotEqual(t, composed, decomposed)
	assert.Equal(t, AuthorID("t", "whatsapp", composed), AuthorID("t", "whatsapp", decomposed))

	// Case folding handles more than ASCII.
	assert.Equal(t, AuthorID("t", "whatsapp", "STRASSE"), AuthorID("t", "whatsapp", "strasse"))
	assert.Equal(t, AuthorID("t", "whatsapp", "ΣΊΣΥΦΟΣ"), AuthorID("t", "whatsapp", "σίσυφοσ"))
}

func TestAuthorID_EmptyIsStable(t *testing.T) {
	empty := AuthorID("t", "whatsapp", "")
	assert.NotEqual(t, uuid.Nil, empty)
	assert.Equal(t, empty, AuthorID("t", "whatsapp", "   "))
	assert.NotEqual(t, empty, AuthorID("t", "whatsapp", "x"))
}

func TestAuthorID_KeyPartsDoNotBleed(t *testing.T) {
	assert.NotEqual(t, AuthorID("ab", "c", "x"), AuthorID("a", "bc", "x"))
}

func TestAuthorID_KnownValue(t *testing.T) {
	// Pinned: a change here reassigns every stored author id.
	ns := uuid.NewSHA1(uuid.MustParse("177d3341-00c0-5900-8bdc-8051b2f2aba9"), []byte("acme\x1fwhatsapp"))
	assert.Equal(t, uuid.NewSHA1(ns, []byte("alice")), AuthorID("acme", "whatsapp", "Alice"))
}

func TestThreadID(t *testing.T) {
	a := ThreadID("acme", "whatsapp", "family-group")
	assert.Equal(t, a, ThreadID("acme", "whatsapp", "family-group"))
	assert.NotEqual(t, a, ThreadID("other", "whatsapp", "family-group"))
	// Thread keys are not case folded.
	assert.NotEqual(t, a, ThreadID("acme", "whatsapp", "Family-Group"))
	// Different class seed than authors.
	assert.NotEqual(t, a, AuthorID("acme", "whatsapp", "family-group"))
}

func TestEventID(t *testing.T) {
	a := EventID("whatsapp", "msg-123")
	assert.Equal(t, a, EventID("whatsapp", "msg-123"))
	assert.NotEqual(t, a, EventID("whatsapp", "msg-456"))
	assert.NotEqual(t, a, EventID("slack", "msg-123"))
}

func TestMessageKeyScopesByThread(t *testing.T) {
	t1 := ThreadID("acme", "whatsapp", "a")
	t2 := ThreadID("acme", "whatsapp", "b")
	assert.NotEqual(t,
		EventID("whatsapp", MessageKey(t1, "1")),
		EventID("whatsapp", MessageKey(t2, "1")))
}

func TestBatchMatchesScalar(t *testing.T) {
	n := ChunkSize*2 + 17
	tenants := make([]string, n)
	sources := make([]string, n)
	authors := make([]string, n)
	threads := make([]string, n)
	msgs := make([]string, n)
	for i := range n {
		tenants[i] = fmt.Sprintf("tenant-%d", i%3)
		sources[i] = "whatsapp"
		authors[i] = fmt.Sprintf("Author %d", i%50)
		threads[i] = fmt.Sprintf("thread-%d", i%7)
		msgs[i] = fmt.Sprintf("%d", i)
	}

	aids, err := AuthorIDs(tenants, sources, authors)
	require.NoError(t, err)
	tids, err := ThreadIDs(tenants, sources, threads)
	require.NoError(t, err)
	eids, err := EventIDs(sources, tids, msgs)
	require.NoError(t, err)

	for _, i := range []int{0, 1, ChunkSize - 1, ChunkSize, ChunkSize + 1, n - 1} {
		assert.Equal(t, AuthorID(tenants[i], sources[i], authors[i]).String(), aids[i])
		tid := ThreadID(tenants[i], sources[i], threads[i])
		assert.Equal(t, tid.String(), tids[i])
		assert.Equal(t, EventID(sources[i], MessageKey(tid, msgs[i])).String(), eids[i])
	}
}

func TestBatchLengthMismatch(t *testing.T) {
	_, err := AuthorIDs([]string{"a"}, []string{"s"}, []string{"x", "y"})
	assert.ErrorIs(t, err, ErrLengthMismatch)
	_, err = ThreadIDs([]string{"a"}, nil, []string{"x"})
	assert.ErrorIs(t, err, ErrLengthMismatch)
	_, err = EventIDs([]string{"s"}, []string{"t"}, nil)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestEventIDsRejectsRawThreadKey(t *testing.T) {
	_, err := EventIDs([]string{"whatsapp"}, []string{"family-group"}, []string{"1"})
	assert.Error(t, err)
}
