// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tabletserver

import (
	"github.com/cfkoehler/accumulo/go/ac/data"
)

// ConstraintEnv is what constraints may consult while checking a
// mutation. StaticEnv is the one implementation; the conditional
// pipeline and the tests both use it.
type ConstraintEnv interface {
	// Authorizations the submitter holds.
	Authorizations() map[string]bool
}

// Constraint vets a mutation before it may enter a commit session.
type Constraint interface {
	// Check returns violation descriptions, empty when the mutation
	// passes.
	Check(env ConstraintEnv, m data.Mutation) []string
}

// defaultConstraints mirror the always-on system constraints.
var defaultConstraints = []Constraint{
	keySizeConstraint{},
	visibilityConstraint{},
}

const maxKeySize = 1 << 20

// keySizeConstraint rejects oversized keys.
type keySizeConstraint struct{}

func (keySizeConstraint) Check(env ConstraintEnv, m data.Mutation) []string {
	var out []string
	if len(m.Row) == 0 {
		out = append(out, "empty row")
	}
	for _, up := range m.Updates {
		if len(m.Row)+len(up.Family)+len(up.Qualifier)+len(up.Visibility) > maxKeySize {
			out = append(out, "key too large")
		}
	}
	return out
}

// visibilityConstraint refuses writes with visibilities the submitter
// cannot themselves read.
type visibilityConstraint struct{}

func (visibilityConstraint) Check(env ConstraintEnv, m data.Mutation) []string {
	var out []string
	for _, up := range m.Updates {
		if len(up.Visibility) == 0 {
			continue
		}
		if env == nil || !env.Authorizations()[string(up.Visibility)] {
			out = append(out, "visibility not authorized: "+string(up.Visibility))
		}
	}
	return out
}

func violated(env ConstraintEnv, m data.Mutation) bool {
	for _, c := range defaultConstraints {
		if len(c.Check(env, m)) > 0 {
			return true
		}
	}
	return false
}

// StaticEnv is the trivial ConstraintEnv over a fixed authorization
// set.
type StaticEnv struct {
	Auths map[string]bool
}

func (se *StaticEnv) Authorizations() map[string]bool { return se.Auths }
