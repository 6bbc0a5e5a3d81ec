package tree

import (
	"encoding/json"
	"strings"
)

// Separators used inside a nodeid. Path fragments describe directories on
// the way to a test package, non-path fragments name a test function or a
// subtest case within it.
const (
	pathSep    = "/"
	nonPathSep = "::"
)

// Fragment is a single component of a Nodeid.
type Fragment struct {
	Val    string
	IsPath bool
}

// Nodeid is the fully-qualified identifier of a node, stable across the
// whole tree. It is used to address nodes in commands; navigation uses
// short_id paths instead.
type Nodeid struct {
	raw       string
	fragments []Fragment
}

// EmptyNodeid identifies the root of a tree.
var EmptyNodeid = Nodeid{}

// ParseNodeid splits a raw nodeid string into its fragments.
// The format is "dir/subdir/pkg::TestName::subtest".
func ParseNodeid(raw string) Nodeid {
	if raw == "" {
		return EmptyNodeid
	}

	rawComponents := strings.Split(raw, nonPathSep)
	var fragments []Fragment
	for _, frag := range strings.Split(rawComponents[0], pathSep) {
		fragments = append(fragments, Fragment{Val: frag, IsPath: true})
	}
	for _, frag := range rawComponents[1:] {
		fragments = append(fragments, Fragment{Val: frag, IsPath: false})
	}
	return Nodeid{raw: raw, fragments: fragments}
}

// NodeidFromFragments assembles a Nodeid from its components.
func NodeidFromFragments(fragments []Fragment) Nodeid {
	if len(fragments) == 0 {
		return EmptyNodeid
	}

	var sb strings.Builder
	sb.WriteString(fragments[0].Val)
	for _, frag := range fragments[1:] {
		if frag.IsPath {
			sb.WriteString(pathSep)
		} else {
			sb.WriteString(nonPathSep)
		}
		sb.WriteString(frag.Val)
	}
	return Nodeid{raw: sb.String(), fragments: fragments}
}

func (n Nodeid) String() string {
	return n.raw
}

// IsEmpty reports whether this is the root nodeid.
func (n Nodeid) IsEmpty() bool {
	return n.raw == ""
}

// Fragments returns the components of the nodeid in order.
func (n Nodeid) Fragments() []Fragment {
	return n.fragments
}

// ShortID returns the label identifying the node among its siblings.
func (n Nodeid) ShortID() string {
	if len(n.fragments) == 0 {
		return ""
	}
	return n.fragments[len(n.fragments)-1].Val
}

// Append returns a new nodeid with the given fragment appended.
func (n Nodeid) Append(frag Fragment) Nodeid {
	fragments := make([]Fragment, 0, len(n.fragments)+1)
	fragments = append(fragments, n.fragments...)
	fragments = append(fragments, frag)
	return NodeidFromFragments(fragments)
}

// Parent returns the nodeid one level up. The parent of the root (or of a
// top-level node) is the empty nodeid.
func (n Nodeid) Parent() Nodeid {
	if len(n.fragments) <= 1 {
		return EmptyNodeid
	}
	return NodeidFromFragments(n.fragments[:len(n.fragments)-1])
}

// Equal compares two nodeids by their canonical string form.
func (n Nodeid) Equal(other Nodeid) bool {
	return n.raw == other.raw
}

// MarshalJSON encodes the nodeid as its raw string.
func (n Nodeid) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.raw)
}

// UnmarshalJSON decodes a nodeid from its raw string form.
func (n *Nodeid) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = ParseNodeid(raw)
	return nil
}
