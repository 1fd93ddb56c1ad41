// Package templating resolves inter-task placeholders in task payloads and derives
// the implicit dependency edges they create.
//
// Placeholders take the form {{tasks.<name>.outputs.<path>}} or
// {{parent.outputs.<path>}}. Paths accept [N] indexes and [*] projections and may be
// followed by a `| map('field')` pipeline.
package templating

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/agent-orchestrator/internal/types"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)
	dependencyRe  = regexp.MustCompile(`tasks\.([A-Za-z0-9_-]+)\.outputs`)
)

// Aliases maps alternate task names to canonical ones.
type Aliases map[string]string

// Canonical returns the canonical spelling of name.
func (a Aliases) Canonical(name string) string {
	if c, ok := a[name]; ok {
		return c
	}
	return name
}

// Dependencies returns the distinct, sorted task names referenced through
// tasks.<name>.outputs inside placeholders anywhere in payload.
func Dependencies(payload types.Value, aliases Aliases) []string {
	seen := make(map[string]struct{})
	walkStrings(payload, func(s string) {
		for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
			for _, dep := range dependencyRe.FindAllStringSubmatch(m[1], -1) {
				seen[aliases.Canonical(dep[1])] = struct{}{}
			}
		}
	})
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func walkStrings(v types.Value, fn func(string)) {
	switch v.Kind() {
	case types.KindString:
		s, _ := v.AsString()
		fn(s)
	case types.KindArray:
		items, _ := v.AsArray()
		for _, item := range items {
			walkStrings(item, fn)
		}
	case types.KindObject:
		fields, _ := v.AsObject()
		for _, f := range fields {
			walkStrings(f, fn)
		}
	}
}

// Normalize shapes a raw task result for path lookups: a single-key {result: X}
// wrapper is unwrapped and anything that is not an object ends up as {result: X}.
func Normalize(result types.Value) types.Value {
	if fields, ok := result.AsObject(); ok && len(fields) == 1 {
		if inner, ok := fields["result"]; ok {
			result = inner
		}
	}
	if result.Kind() != types.KindObject {
		return types.Object(map[string]types.Value{"result": result})
	}
	return result
}

// Context is the lookup root for placeholder resolution.
type Context struct {
	root types.Value
}

// NewContext binds every SUCCESS task of a job by canonical name and, when parentID
// names a SUCCESS task, binds it as parent.
func NewContext(tasks []types.Task, parentID *uuid.UUID, aliases Aliases) Context {
	named := make(map[string]types.Value)
	root := make(map[string]types.Value)
	for i := range tasks {
		t := &tasks[i]
		if t.Status != types.TaskSuccess {
			continue
		}
		entry := types.Object(map[string]types.Value{"outputs": Normalize(t.Result)})
		named[aliases.Canonical(t.Name)] = entry
		if parentID != nil && t.ID == *parentID {
			root["parent"] = entry
		}
	}
	root["tasks"] = types.Object(named)
	return Context{root: types.Object(root)}
}

// Eval evaluates one placeholder expression. ok is false when the reference is
// undefined; err is set only for an unknown pipeline filter.
func (c Context) Eval(expr string, aliases Aliases) (v types.Value, ok bool, err error) {
	stages := strings.Split(expr, "|")
	segs, valid := parsePath(strings.TrimSpace(stages[0]))
	if !valid {
		return types.Null(), false, nil
	}
	if len(segs) > 1 && segs[0].kind == segKey && segs[0].key == "tasks" && segs[1].kind == segKey {
		segs[1].key = aliases.Canonical(segs[1].key)
	}

	v, ok = lookup(c.root, segs)
	for _, stage := range stages[1:] {
		var filtered types.Value
		var fok bool
		filtered, fok, err = applyFilter(v, stage)
		if err != nil {
			return types.Null(), false, err
		}
		if ok {
			v, ok = filtered, fok
		}
	}
	return v, ok, nil
}

// Resolve substitutes every placeholder in payload. A string that is exactly one
// placeholder becomes the referenced typed value; otherwise values are interpolated
// as text. Undefined, null and empty references leave the placeholder verbatim.
func Resolve(payload types.Value, c Context, aliases Aliases) (types.Value, error) {
	switch payload.Kind() {
	case types.KindString:
		s, _ := payload.AsString()
		return resolveString(s, c, aliases)
	case types.KindArray:
		items, _ := payload.AsArray()
		out := make([]types.Value, len(items))
		for i, item := range items {
			r, err := Resolve(item, c, aliases)
			if err != nil {
				return types.Null(), err
			}
			out[i] = r
		}
		return types.Array(out...), nil
	case types.KindObject:
		fields, _ := payload.AsObject()
		out := make(map[string]types.Value, len(fields))
		for k, f := range fields {
			r, err := Resolve(f, c, aliases)
			if err != nil {
				return types.Null(), err
			}
			out[k] = r
		}
		return types.Object(out), nil
	default:
		return payload, nil
	}
}

func resolveString(s string, c Context, aliases Aliases) (types.Value, error) {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return types.String(s), nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		v, ok, err := c.Eval(s[matches[0][2]:matches[0][3]], aliases)
		if err != nil {
			return types.Null(), err
		}
		if !ok || v.IsEmpty() {
			return types.String(s), nil
		}
		return v, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		v, ok, err := c.Eval(s[m[2]:m[3]], aliases)
		if err != nil {
			return types.Null(), err
		}
		if !ok || v.IsEmpty() {
			b.WriteString(s[m[0]:m[1]])
		} else {
			b.WriteString(v.Text())
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return types.String(b.String()), nil
}

// HasPlaceholders reports whether any string leaf of payload still holds a placeholder.
func HasPlaceholders(payload types.Value) bool {
	found := false
	walkStrings(payload, func(s string) {
		if placeholderRe.MatchString(s) {
			found = true
		}
	})
	return found
}

// TaskLister loads the tasks of a job.
type TaskLister interface {
	ListTasks(ctx context.Context, jobID uuid.UUID) ([]types.Task, error)
}

// Resolver resolves task payloads against the current state of their job.
type Resolver struct {
	tasks   TaskLister
	aliases Aliases
}

// NewResolver creates a Resolver. aliases may be nil.
func NewResolver(tasks TaskLister, aliases Aliases) *Resolver {
	return &Resolver{tasks: tasks, aliases: aliases}
}

// Aliases returns the alias map used by the resolver.
func (r *Resolver) Aliases() Aliases { return r.aliases }

// Unresolved returns the template dependencies of task that have no SUCCESS task in
// jobTasks.
func (r *Resolver) Unresolved(task *types.Task, jobTasks []types.Task) []string {
	deps := Dependencies(task.Payload, r.aliases)
	if len(deps) == 0 {
		return nil
	}
	succeeded := make(map[string]bool, len(jobTasks))
	for _, t := range jobTasks {
		if t.Status == types.TaskSuccess {
			succeeded[r.aliases.Canonical(t.Name)] = true
		}
	}
	var missing []string
	for _, d := range deps {
		if !succeeded[d] {
			missing = append(missing, d)
		}
	}
	return missing
}

// Resolve resolves task's payload against jobTasks.
func (r *Resolver) Resolve(task *types.Task, jobTasks []types.Task) (types.Value, error) {
	if !HasPlaceholders(task.Payload) {
		return task.Payload, nil
	}
	return Resolve(task.Payload, NewContext(jobTasks, task.ParentTaskID, r.aliases), r.aliases)
}

// ResolvePayload loads the task's job and resolves its payload.
func (r *Resolver) ResolvePayload(ctx context.Context, task *types.Task) (types.Value, error) {
	if !HasPlaceholders(task.Payload) {
		return task.Payload, nil
	}
	jobTasks, err := r.tasks.ListTasks(ctx, task.JobID)
	if err != nil {
		return types.Null(), fmt.Errorf("failed to load tasks of job %s: %w", task.JobID, err)
	}
	return r.Resolve(task, jobTasks)
}
