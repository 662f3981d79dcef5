package gate

import (
	"cmp"
	"slices"
	"strings"

	"github.com/franklinbaldo/egregora-sub010/pkg/ir"
	"github.com/franklinbaldo/egregora-sub010/pkg/pseudonym"
)

// authorScrubber replaces every author_raw of a batch, verbatim or
// canonicalized, with that author's opaque id. Adapters copy sender names
// into attrs (quoted lines, reply targets), so attrs are rewritten with it
// before author_raw is dropped.
func authorScrubber(authorRaw, authorIDs []string) *strings.Replacer {
	ids := make(map[string]string, len(authorRaw))
	for i, raw := range authorRaw {
		for _, name := range []string{raw, pseudonym.Canonical(raw)} {
			if strings.TrimSpace(name) == "" {
				continue
			}
			if _, ok := ids[name]; !ok {
				ids[name] = authorIDs[i]
			}
		}
	}
	names := make([]string, 0, len(ids))
	for name := range ids {
		names = append(names, name)
	}
	// Replacer tries old strings in argument order; longest first keeps
	// "Al" from splitting "Alice".
	slices.SortFunc(names, func(a, b string) int {
		if c := cmp.Compare(len(b), len(a)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	pairs := make([]string, 0, 2*len(names))
	for _, name := range names {
		pairs = append(pairs, name, ids[name])
	}
	return strings.NewReplacer(pairs...)
}

func scrubAttrs(t *ir.Table, authorIDs []string) {
	r := authorScrubber(t.AuthorRaw, authorIDs)
	for i, m := range t.Attrs {
		t.Attrs[i] = ir.RewriteStrings(m, r.Replace)
	}
}

// checkCanonicalKeys rejects rows whose candidate keys differ only before
// canonicalization, e.g. msg_id "m0" and "m0 ". They hash to the same
// event_id.
func checkCanonicalKeys(eventIDs []string) error {
	seen := make(map[string]int, len(eventIDs))
	for i, id := range eventIDs {
		if first, ok := seen[id]; ok {
			return &ir.SchemaError{
				Stage:  ir.StagePreGate,
				Column: "(tenant_id, source, thread_id, msg_id)",
				Rows:   []int{first, i},
				Reason: "duplicate candidate key after canonicalization",
			}
		}
		seen[id] = i
	}
	return nil
}
