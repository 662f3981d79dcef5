package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/franklinbaldo/egregora-sub010/pkg/gate"
)

// LoadPolicy reads a YAML gate policy. Fields left out keep their value in
// base, and unknown keys are rejected.
func LoadPolicy(path string, base gate.Policy) (gate.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return gate.Policy{}, fmt.Errorf("load policy %q: %w", path, err)
	}
	p, err := ParsePolicy(data, base)
	if err != nil {
		return gate.Policy{}, fmt.Errorf("load policy %q: %w", path, err)
	}
	return p, nil
}

// ParsePolicy decodes a YAML policy document over base and validates the
// result. Slices in the document replace those of base.
func ParsePolicy(data []byte, base gate.Policy) (gate.Policy, error) {
	p := base
	p.PIIDetectors = slices.Clone(base.PIIDetectors)
	p.MediaAllowlist = slices.Clone(base.MediaAllowlist)
	p.MediaDenylist = slices.Clone(base.MediaDenylist)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return gate.Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return gate.Policy{}, err
	}
	return p, nil
}
