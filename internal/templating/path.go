package templating

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jonathan/agent-orchestrator/internal/types"
)

type segmentKind int

const (
	segKey segmentKind = iota
	segIndex
	segAll
)

type segment struct {
	kind  segmentKind
	key   string
	index int
}

// parsePath splits an expression like `tasks.a.outputs.items[0].name` or
// `parent.outputs.rows[*].id` into segments. ok is false for malformed paths.
func parsePath(path string) ([]segment, bool) {
	var segs []segment
	i := 0
	for i < len(path) {
		switch path[i] {
		case '.':
			if i == 0 || i == len(path)-1 {
				return nil, false
			}
			i++
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, false
			}
			inner := strings.TrimSpace(path[i+1 : i+end])
			if inner == "*" {
				segs = append(segs, segment{kind: segAll})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return nil, false
				}
				segs = append(segs, segment{kind: segIndex, index: n})
			}
			i += end + 1
		default:
			j := i
			for j < len(path) && path[j] != '.' && path[j] != '[' {
				j++
			}
			key := strings.TrimSpace(path[i:j])
			if key == "" {
				return nil, false
			}
			segs = append(segs, segment{kind: segKey, key: key})
			i = j
		}
	}
	return segs, len(segs) > 0
}

// lookup walks segs from v. A [*] segment applies the remaining segments to every
// element and collects the defined results.
func lookup(v types.Value, segs []segment) (types.Value, bool) {
	for i, seg := range segs {
		switch seg.kind {
		case segKey:
			next, ok := v.Get(seg.key)
			if !ok {
				return types.Null(), false
			}
			v = next
		case segIndex:
			next, ok := v.Index(seg.index)
			if !ok {
				return types.Null(), false
			}
			v = next
		case segAll:
			items, ok := v.AsArray()
			if !ok {
				return types.Null(), false
			}
			rest := segs[i+1:]
			out := make([]types.Value, 0, len(items))
			for _, item := range items {
				if got, ok := lookup(item, rest); ok {
					out = append(out, got)
				}
			}
			return types.Array(out...), true
		}
	}
	return v, true
}

var filterRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\(\s*(?:'([^']*)'|"([^"]*)")?\s*\)$`)

// applyFilter runs one pipeline stage. Only map('field') is known.
func applyFilter(v types.Value, stage string) (types.Value, bool, error) {
	m := filterRe.FindStringSubmatch(strings.TrimSpace(stage))
	if m == nil || m[1] != "map" {
		return types.Null(), false, &types.ValidationError{
			Field:   "payload",
			Message: fmt.Sprintf("unknown template filter %q", strings.TrimSpace(stage)),
		}
	}
	field := m[2]
	if field == "" {
		field = m[3]
	}
	items, ok := v.AsArray()
	if !ok {
		return types.Null(), false, nil
	}
	out := make([]types.Value, 0, len(items))
	for _, item := range items {
		if got, ok := item.Get(field); ok {
			out = append(out, got)
		}
	}
	return types.Array(out...), true, nil
}
