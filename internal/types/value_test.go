package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue_PreservesKinds(t *testing.T) {
	v, err := ParseValue([]byte(`{"s":"x","n":42,"f":1.5,"b":true,"z":null,"a":[1,"two"],"o":{"k":"v"}}`))
	require.NoError(t, err)
	require.Equal(t, KindObject, v.Kind())

	s, _ := v.Get("s")
	assert.Equal(t, KindString, s.Kind())

	n, _ := v.Get("n")
	i, ok := n.AsInt()
	assert.True(t, ok)
	assert.Equal(t, int64(42), i)

	f, _ := v.Get("f")
	fl, ok := f.AsFloat()
	assert.True(t, ok)
	assert.Equal(t, 1.5, fl)

	z, ok := v.Get("z")
	assert.True(t, ok)
	assert.True(t, z.IsNull())

	a, _ := v.Get("a")
	items, ok := a.AsArray()
	require.True(t, ok)
	assert.Len(t, items, 2)

	o, _ := v.Get("o")
	assert.Equal(t, KindObject, o.Kind())
}

func TestParseValue_EmptyIsNull(t *testing.T) {
	v, err := ParseValue(nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestParseValue_Invalid(t *testing.T) {
	_, err := ParseValue([]byte(`{broken`))
	assert.Error(t, err)
}

func TestValue_MarshalKeepsIntegers(t *testing.T) {
	v := MustParse(`{"count":12345678901234}`)
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":12345678901234}`, string(data))
}

func TestValue_Text(t *testing.T) {
	assert.Equal(t, "hello", String("hello").Text())
	assert.Equal(t, "7", Int(7).Text())
	assert.Equal(t, "true", Bool(true).Text())
	assert.Equal(t, "", Null().Text())
	assert.JSONEq(t, `{"a":[1,2]}`, MustParse(`{"a":[1,2]}`).Text())
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, MustParse(`{"a":[1,{"b":2}]}`).Equal(MustParse(`{"a":[1.0,{"b":2}]}`)))
	assert.False(t, MustParse(`{"a":1}`).Equal(MustParse(`{"a":"1"}`)))
	assert.False(t, MustParse(`[1,2]`).Equal(MustParse(`[1]`)))
}

func TestValue_With(t *testing.T) {
	base := MustParse(`{"a":1}`)
	next := base.With("b", String("x"))

	_, hasB := base.Get("b")
	assert.False(t, hasB, "With must not mutate the receiver")
	assert.True(t, next.Equal(MustParse(`{"a":1,"b":"x"}`)))
}

func TestFromAny_Struct(t *testing.T) {
	v, err := FromAny(struct {
		Name string `json:"name"`
	}{Name: "n"})
	require.NoError(t, err)
	assert.True(t, v.Equal(MustParse(`{"name":"n"}`)))
}

func TestCountTasks_AggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []TaskStatus
		want     JobStatus
		ok       bool
	}{
		{"no tasks", nil, "", false},
		{"all success", []TaskStatus{TaskSuccess, TaskSkipped}, JobSuccess, true},
		{"one failed", []TaskStatus{TaskSuccess, TaskFailed}, JobFailed, true},
		{"one cancelled", []TaskStatus{TaskSuccess, TaskCancelled}, JobFailed, true},
		{"still running", []TaskStatus{TaskSuccess, TaskRunning}, "", false},
		{"still pending", []TaskStatus{TaskFailed, TaskPending}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := make([]Task, len(tt.statuses))
			for i, s := range tt.statuses {
				tasks[i] = Task{Status: s}
			}
			got, ok := CountTasks(tasks).AggregateStatus()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTask_ReviewHelpers(t *testing.T) {
	target := uuid.New()
	task := Task{
		AgentType: AgentReviewer,
		Payload:   MustParse(fmt.Sprintf(`{"target_task_id":%q}`, target)),
		Result:    MustParse(`{"decision":"REJECT"}`),
	}
	assert.True(t, task.IsReviewer())

	got, ok := task.ReviewTarget()
	require.True(t, ok)
	assert.Equal(t, target, got)
	assert.Equal(t, ReviewReject, task.Decision())

	approve := ReviewApprove
	task.ReviewDecision = &approve
	assert.Equal(t, ReviewApprove, task.Decision())
}

func TestErrors_MatchSentinels(t *testing.T) {
	assert.True(t, errors.Is(NotFound("task", uuid.New()), ErrNotFound))
	assert.True(t, errors.Is(fmt.Errorf("wrap: %w", &IllegalTransitionError{Entity: "task"}), ErrIllegalTransition))
	assert.True(t, errors.Is(&ValidationError{Field: "cron"}, ErrValidation))
	assert.True(t, errors.Is(&DependencyUnresolvedError{Missing: []string{"a"}}, ErrDependencyUnresolved))
	assert.True(t, errors.Is(&ConstraintViolationError{Constraint: "artifacts_current"}, ErrConstraintViolation))
	assert.True(t, errors.Is(&TimeoutError{}, ErrTimeout))
	assert.False(t, errors.Is(NotFound("task", uuid.New()), ErrValidation))
}
