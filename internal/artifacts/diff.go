package artifacts

import (
	"sort"

	"github.com/google/uuid"

	"github.com/jonathan/agent-orchestrator/internal/types"
)

// Change kinds.
const (
	Added   = "added"
	Removed = "removed"
	Changed = "changed"
)

// Change is one difference between two metadata documents. Path is dotted; nested
// objects are compared field by field, everything else as a whole.
type Change struct {
	Path   string      `json:"path"`
	Kind   string      `json:"kind"`
	Before types.Value `json:"before"`
	After  types.Value `json:"after"`
}

// Diff is the structural metadata comparison of two versions of one group.
type Diff struct {
	JobID       uuid.UUID `json:"job_id"`
	Type        string    `json:"type"`
	Role        string    `json:"role,omitempty"`
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	Changes     []Change  `json:"changes"`
}

// Added returns the paths present only in the newer document.
func (d *Diff) Added() []string { return d.paths(Added) }

// Removed returns the paths present only in the older document.
func (d *Diff) Removed() []string { return d.paths(Removed) }

// Changed returns the paths whose values differ.
func (d *Diff) Changed() []string { return d.paths(Changed) }

func (d *Diff) paths(kind string) []string {
	var out []string
	for _, c := range d.Changes {
		if c.Kind == kind {
			out = append(out, c.Path)
		}
	}
	return out
}

// Compare diffs the metadata of from and to. Both must belong to the same group.
func Compare(from, to *types.Artifact) (*Diff, error) {
	if !from.SameGroup(to) {
		return nil, &types.ValidationError{
			Field:   "artifact",
			Message: "versions belong to different (job, type, role) groups",
		}
	}
	d := &Diff{
		JobID:       from.JobID,
		Type:        from.Type,
		Role:        from.Role,
		FromVersion: from.Version,
		ToVersion:   to.Version,
		Changes:     []Change{},
	}
	d.Changes = compareValues("", from.Metadata, to.Metadata, d.Changes)
	return d, nil
}

func compareValues(path string, before, after types.Value, out []Change) []Change {
	a, aObj := before.AsObject()
	b, bObj := after.AsObject()
	if !aObj || !bObj {
		if !before.Equal(after) {
			out = append(out, Change{Path: path, Kind: Changed, Before: before, After: after})
		}
		return out
	}

	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		p := k
		if path != "" {
			p = path + "." + k
		}
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case !inA:
			out = append(out, Change{Path: p, Kind: Added, After: bv})
		case !inB:
			out = append(out, Change{Path: p, Kind: Removed, Before: av})
		default:
			out = compareValues(p, av, bv, out)
		}
	}
	return out
}
