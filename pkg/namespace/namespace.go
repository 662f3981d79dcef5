// Package namespace is the frozen identity namespace registry.
//
// The seeds below are mixed into every deterministic identifier produced by
// package pseudonym. They are published constants: changing any of them
// reassigns every historical author, event and thread id, so a change is a
// major Version bump and never a patch.
package namespace

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// Version is the identity namespace version carried by every PrivacyPass.
const Version = "1.0.0"

// Root is uuid5(NAMESPACE_URL, "urn:egregora:ir:identity:v1").
var Root = uuid.MustParse("b7871cc1-cb23-55f7-8fa2-fb9c36e48666")

// Class seeds, each uuid5(Root, <class name>).
var (
	Author = uuid.MustParse("177d3341-00c0-5900-8bdc-8051b2f2aba9")
	Event  = uuid.MustParse("e4051886-f8f0-519b-abcd-d42aa5eda1c0")
	Thread = uuid.MustParse("0d260bc6-7809-59cf-ae52-dd88a061e562")
)

// Class names an identity class.
type Class string

const (
	ClassAuthor Class = "author"
	ClassEvent  Class = "event"
	ClassThread Class = "thread"
)

// ErrVersionMismatch is returned when a namespace version is not one this
// build can interpret.
var ErrVersionMismatch = errors.New("namespace version mismatch")

// Seed returns the seed for an identity class.
func Seed(c Class) (uuid.UUID, bool) {
	switch c {
	case ClassAuthor:
		return Author, true
	case ClassEvent:
		return Event, true
	case ClassThread:
		return Thread, true
	}
	return uuid.Nil, false
}

// Seeds returns a copy of the registry, keyed by class name. "root" maps to Root.
func Seeds() map[string]uuid.UUID {
	return map[string]uuid.UUID{
		"root":              Root,
		string(ClassAuthor): Author,
		string(ClassEvent):  Event,
		string(ClassThread): Thread,
	}
}

// Compatible reports whether identifiers minted under version v can be
// interpreted by this registry. Only the major version has to match.
func Compatible(v string) error {
	return CheckConstraint(v, fmt.Sprintf("^%d", current().Major()))
}

// CheckConstraint checks v against a semver constraint such as "^1" or ">=1.0, <2".
func CheckConstraint(v, constraint string) error {
	got, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: unparseable version %q", ErrVersionMismatch, v)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid namespace constraint %q: %w", constraint, err)
	}
	if !c.Check(got) {
		return fmt.Errorf("%w: got %s, registry is %s (want %s)", ErrVersionMismatch, v, Version, constraint)
	}
	return nil
}

func current() *semver.Version {
	return semver.MustParse(Version)
}
