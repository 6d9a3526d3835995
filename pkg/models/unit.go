package models

import "time"

// UnitStatus is the lifecycle state of a compiled automation rule.
type UnitStatus string

// Unit statuses. Only active units are considered by the matcher.
const (
	UnitStatusActive   UnitStatus = "active"
	UnitStatusPaused   UnitStatus = "paused"
	UnitStatusDisabled UnitStatus = "disabled"
)

// ValidUnitStatus reports whether s is a known unit status.
func ValidUnitStatus(s UnitStatus) bool {
	switch s {
	case UnitStatusActive, UnitStatusPaused, UnitStatusDisabled:
		return true
	}
	return false
}

// Trigger selects the (source, type) pair a unit fires on.
type Trigger struct {
	Source Source    `json:"source"`
	Type   EventType `json:"type"`
}

// ConditionKind distinguishes deterministic rule conditions from
// LLM-evaluated semantic conditions.
type ConditionKind string

const (
	ConditionRule     ConditionKind = "rule"
	ConditionSemantic ConditionKind = "semantic"
)

// Operator is a rule-condition comparison operator.
type Operator string

// Rule operators. The matcher's operator table is total over this set.
const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpIn         Operator = "in"
	OpNotIn      Operator = "notIn"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpBetween    Operator = "between"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpIsNull     Operator = "isNull"
	OpIsNotNull  Operator = "isNotNull"
)

// Condition is a single predicate over an event's payload. Rule conditions
// carry Field/Operator/Value; semantic conditions carry a Prompt plus the
// payload fields to expose to the model.
type Condition struct {
	Kind     ConditionKind `json:"kind"`
	Field    string        `json:"field,omitempty"`
	Operator Operator      `json:"operator,omitempty"`
	Value    any           `json:"value,omitempty"`
	Prompt   string        `json:"prompt,omitempty"`
	Fields   []string      `json:"fields,omitempty"`
}

// ActionKind identifies what a runtime step does.
type ActionKind string

const (
	ActionTool   ActionKind = "tool"
	ActionLLM    ActionKind = "llm"
	ActionWait   ActionKind = "wait"
	ActionCheck  ActionKind = "check"
	ActionNotify ActionKind = "notify"
	ActionNoop   ActionKind = "noop"
)

// LLMTask is the sub-kind of an llm action.
type LLMTask string

const (
	LLMTaskSummarize LLMTask = "summarize"
	LLMTaskGenerate  LLMTask = "generate"
	LLMTaskClassify  LLMTask = "classify"
	LLMTaskExtract   LLMTask = "extract"
)

// Action is one step of a unit's action chain. Tool and notify actions carry
// a resolved tool identifier; params are templated at execution time.
type Action struct {
	Kind            ActionKind     `json:"kind"`
	Tool            string         `json:"tool,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	ContinueOnError bool           `json:"continue_on_error,omitempty"`
}

// Unit is a compiled automation rule owned by a user.
type Unit struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Name       string      `json:"name"`
	RawPrompt  string      `json:"raw_prompt"`
	Trigger    Trigger     `json:"trigger"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
	Status     UnitStatus  `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
