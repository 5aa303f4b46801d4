package tree

import (
	"strings"

	"github.com/pkg/errors"
)

// Walk selects how the chain walker moves from one node to the next.
type Walk int

const (
	// WalkChildren moves to the true children of the current node: 2i+1 on
	// reject and 2i+2 on accept. Each step reads the node built for exactly
	// the history the walk has realized, and a walk visits one node per level.
	WalkChildren Walk = iota

	// WalkLinear moves by +1 on reject and +2 on accept. This only matches
	// the tree's parent/child layout at the root; deeper steps read nodes built
	// for a different history. Kept to reproduce the reference sampler.
	WalkLinear
)

var walkNames = map[Walk]string{
	WalkChildren: "children",
	WalkLinear:   "linear",
}

func (w Walk) String() string {
	if name, ok := walkNames[w]; ok {
		return name
	}
	return "unknown"
}

// ParseWalk maps a walk name (as returned by String) to its Walk
func ParseWalk(name string) (Walk, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for w, n := range walkNames {
		if n == name {
			return w, nil
		}
	}
	return WalkChildren, errors.Wrapf(ErrInvalidConfig, "Unknown walk %q (want children or linear)", name)
}

func (w Walk) check() error {
	if _, ok := walkNames[w]; !ok {
		return errors.Wrapf(ErrInvalidConfig, "Unknown walk %d", int(w))
	}
	return nil
}

// next is the index visited after node i
func (w Walk) next(i int, accept bool) int {
	if w == WalkLinear {
		if accept {
			return i + 2
		}
		return i + 1
	}

	if accept {
		return 2*i + 2
	}
	return 2*i + 1
}
