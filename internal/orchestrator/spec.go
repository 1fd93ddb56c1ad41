package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jonathan/agent-orchestrator/internal/schemas"
	"github.com/jonathan/agent-orchestrator/internal/templating"
	"github.com/jonathan/agent-orchestrator/internal/types"
	files "github.com/jonathan/agent-orchestrator/schemas"
)

// JobSpec describes a job submission. Tasks are listed in topological order: a
// task's Parent is the index of an earlier task.
type JobSpec struct {
	Title           string        `json:"title" validate:"required"`
	OwnerID         *uuid.UUID    `json:"owner_id,omitempty"`
	OrgID           *uuid.UUID    `json:"org_id,omitempty"`
	TemplateID      *uuid.UUID    `json:"template_id,omitempty"`
	TemplateVersion *int          `json:"template_version,omitempty"`
	Tasks           []TaskSpec    `json:"tasks" validate:"required,min=1,dive"`
	Schedule        *ScheduleSpec `json:"schedule,omitempty"`
}

// TaskSpec describes one task of a JobSpec.
type TaskSpec struct {
	Name      string      `json:"name" validate:"required"`
	AgentType string      `json:"agent_type" validate:"required"`
	Payload   types.Value `json:"payload"`
	Parent    *int        `json:"parent,omitempty" validate:"omitempty,gte=0"`
}

// ScheduleSpec describes when a job runs.
type ScheduleSpec struct {
	Type         types.ScheduleType `json:"type" validate:"required,oneof=once delayed cron"`
	CronExpr     string             `json:"cron_expr,omitempty" validate:"required_if=Type cron"`
	RunAt        *time.Time         `json:"run_at,omitempty"`
	DelaySeconds int                `json:"delay_seconds,omitempty" validate:"gte=0"`
}

// MarshalJSON keeps an absent payload out of the document.
func (t TaskSpec) MarshalJSON() ([]byte, error) {
	type plain struct {
		Name      string       `json:"name"`
		AgentType string       `json:"agent_type"`
		Payload   *types.Value `json:"payload,omitempty"`
		Parent    *int         `json:"parent,omitempty"`
	}
	p := plain{Name: t.Name, AgentType: t.AgentType, Parent: t.Parent}
	if !t.Payload.IsNull() {
		p.Payload = &t.Payload
	}
	return json.Marshal(p)
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field (optionally six with seconds) cron expression or a
// descriptor such as @hourly.
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, &types.ValidationError{Field: "cron_expr", Message: err.Error()}
	}
	return s, nil
}

// FirstRun computes the initial next_run_at of a schedule.
func (s ScheduleSpec) FirstRun(now time.Time) (time.Time, error) {
	switch s.Type {
	case types.ScheduleCron:
		sched, err := ParseCron(s.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now), nil
	case types.ScheduleDelayed:
		if s.RunAt != nil {
			return *s.RunAt, nil
		}
		return now.Add(time.Duration(s.DelaySeconds) * time.Second), nil
	case types.ScheduleOnce:
		if s.RunAt != nil {
			return *s.RunAt, nil
		}
		return now, nil
	}
	return time.Time{}, &types.ValidationError{Field: "type", Message: fmt.Sprintf("unknown schedule type %q", s.Type)}
}

func structError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &types.ValidationError{
			Field:   fe.Namespace(),
			Message: fmt.Sprintf("failed '%s' validation", fe.Tag()),
		}
	}
	return &types.ValidationError{Message: err.Error()}
}

// validateSpec checks a job submission: struct tags, the JSON Schema, parent
// indices, name uniqueness, agent types and cycles across parent and template edges.
func (o *Orchestrator) validateSpec(spec *JobSpec) error {
	if err := o.validate.Struct(spec); err != nil {
		return structError(err)
	}

	doc, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to marshal job spec: %w", err)
	}
	schema, err := schemas.Load(files.JobSpec)
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}

	names := make(map[string]int, len(spec.Tasks))
	for i, t := range spec.Tasks {
		canonical := o.opts.Aliases.Canonical(t.Name)
		if prev, dup := names[canonical]; dup {
			return &types.ValidationError{
				Field:   fmt.Sprintf("tasks[%d].name", i),
				Message: fmt.Sprintf("duplicate of tasks[%d]", prev),
			}
		}
		names[canonical] = i
		if t.Parent != nil && *t.Parent >= i {
			return &types.ValidationError{
				Field:   fmt.Sprintf("tasks[%d].parent", i),
				Message: "parent must reference an earlier task",
			}
		}
		if t.AgentType == types.AgentReviewer {
			return &types.ValidationError{
				Field:   fmt.Sprintf("tasks[%d].agent_type", i),
				Message: "reviewer tasks are injected, not submitted",
			}
		}
		if len(o.opts.AgentTypes) > 0 && !contains(o.opts.AgentTypes, t.AgentType) {
			return &types.ValidationError{
				Field:   fmt.Sprintf("tasks[%d].agent_type", i),
				Message: fmt.Sprintf("unknown agent type %q", t.AgentType),
			}
		}
	}
	return o.checkCycles(spec.Tasks, names)
}

// checkCycles rejects specs whose parent and template edges form a cycle. References
// to names outside the job spec are not edges.
func (o *Orchestrator) checkCycles(tasks []TaskSpec, names map[string]int) error {
	edges := make([][]int, len(tasks))
	for i, t := range tasks {
		if t.Parent != nil {
			edges[i] = append(edges[i], *t.Parent)
		}
		for _, dep := range templating.Dependencies(t.Payload, o.opts.Aliases) {
			if j, ok := names[dep]; ok {
				edges[i] = append(edges[i], j)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(tasks))
	var visit func(i int) bool
	visit = func(i int) bool {
		switch state[i] {
		case visiting:
			return false
		case done:
			return true
		}
		state[i] = visiting
		for _, j := range edges[i] {
			if !visit(j) {
				return false
			}
		}
		state[i] = done
		return true
	}
	for i := range tasks {
		if !visit(i) {
			return &types.ValidationError{
				Field:   fmt.Sprintf("tasks[%d]", i),
				Message: fmt.Sprintf("task %q is part of a dependency cycle", tasks[i].Name),
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
