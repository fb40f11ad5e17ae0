package domain

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// RuleState is the lifecycle state carried by a rule record.
type RuleState string

const (
	// RuleStateActive rules are stored and dispatched.
	RuleStateActive RuleState = "ACTIVE"

	// RuleStatePause rules are stored but not dispatched.
	RuleStatePause RuleState = "PAUSE"

	// RuleStateDelete removes the rule with the same id.
	RuleStateDelete RuleState = "DELETE"

	// RuleStateControl marks the record as a control command (see ControlType).
	RuleStateControl RuleState = "CONTROL"
)

// ControlType selects the command carried by a CONTROL record.
type ControlType string

const (
	ControlDeleteRulesAll     ControlType = "DELETE_RULES_ALL"
	ControlClearStateAll      ControlType = "CLEAR_STATE_ALL"
	ControlExportRulesCurrent ControlType = "EXPORT_RULES_CURRENT"
)

// AggregatorType selects the accumulator variant of a rule.
type AggregatorType string

const (
	AggregatorSum AggregatorType = "SUM"
	AggregatorAvg AggregatorType = "AVG"
	AggregatorMin AggregatorType = "MIN"
	AggregatorMax AggregatorType = "MAX"
)

// LimitOperator compares an aggregate against a rule limit.
type LimitOperator string

const (
	LimitGreater      LimitOperator = "GT"
	LimitLess         LimitOperator = "LT"
	LimitGreaterEqual LimitOperator = "GE"
	LimitLessEqual    LimitOperator = "LE"
	LimitEqual        LimitOperator = "EQ"
	LimitNotEqual     LimitOperator = "NEQ"
)

var limitOperatorAliases = map[string]LimitOperator{
	"GT": LimitGreater, ">": LimitGreater, "GREATER": LimitGreater,
	"LT": LimitLess, "<": LimitLess, "LESS": LimitLess,
	"GE": LimitGreaterEqual, ">=": LimitGreaterEqual, "GREATER_EQUAL": LimitGreaterEqual,
	"LE": LimitLessEqual, "<=": LimitLessEqual, "LESS_EQUAL": LimitLessEqual,
	"EQ": LimitEqual, "=": LimitEqual, "==": LimitEqual, "EQUAL": LimitEqual,
	"NEQ": LimitNotEqual, "!=": LimitNotEqual, "NOT_EQUAL": LimitNotEqual,
}

// ParseLimitOperator accepts the canonical names and the symbolic aliases used on the wire.
func ParseLimitOperator(s string) (LimitOperator, error) {
	op, ok := limitOperatorAliases[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown limit operator %q", s)
	}
	return op, nil
}

// Symbol returns the operator as it reads in a rule description.
func (o LimitOperator) Symbol() string {
	switch o {
	case LimitGreater:
		return ">"
	case LimitLess:
		return "<"
	case LimitGreaterEqual:
		return ">="
	case LimitLessEqual:
		return "<="
	case LimitEqual:
		return "="
	case LimitNotEqual:
		return "!="
	default:
		return string(o)
	}
}

// Rule is a fraud detection rule as broadcast on the control channel.
// A rule is immutable once broadcast; an update with the same ID replaces it wholesale.
type Rule struct {
	ID                 int
	State              RuleState
	GroupingKeyNames   []string
	AggregateFieldName string
	AggregatorType     AggregatorType
	WindowDuration     time.Duration
	LimitOperator      LimitOperator
	Limit              decimal.Decimal
	ControlType        ControlType
}

// IsActive reports whether the rule takes part in dispatch.
func (r Rule) IsActive() bool {
	return r.State == RuleStateActive
}

// Description renders the rule for humans, e.g. "rule 1: SUM(amount) over 1m0s by [payeeId] > 100".
func (r Rule) Description() string {
	return fmt.Sprintf("rule %d: %s(%s) over %s by [%s] %s %s",
		r.ID,
		r.AggregatorType,
		r.AggregateFieldName,
		r.WindowDuration,
		strings.Join(r.GroupingKeyNames, ", "),
		r.LimitOperator.Symbol(),
		r.Limit.String(),
	)
}

// Fingerprint is a SHA-256 over the fields that shape aggregation state.
// Two rules with the same ID but different fingerprints must not share state.
func (r Rule) Fingerprint() string {
	canonical := fmt.Sprintf("%d|%s|%s|%s|%d|%s|%s",
		r.ID,
		strings.Join(r.GroupingKeyNames, ","),
		r.AggregateFieldName,
		r.AggregatorType,
		int64(r.WindowDuration),
		r.LimitOperator,
		r.Limit.String(),
	)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(canonical)))
}

// ruleWire is the JSON shape of a rule record.
type ruleWire struct {
	RuleID                 int             `json:"ruleId"`
	RuleState              RuleState       `json:"ruleState"`
	GroupingKeyNames       []string        `json:"groupingKeyNames,omitempty"`
	AggregateFieldName     string          `json:"aggregateFieldName,omitempty"`
	AggregatorFunctionType AggregatorType  `json:"aggregatorFunctionType,omitempty"`
	LimitOperatorType      string          `json:"limitOperatorType,omitempty"`
	Limit                  decimal.Decimal `json:"limit"`
	WindowMinutes          int64           `json:"windowMinutes,omitempty"`
	WindowDuration         string          `json:"windowDuration,omitempty"`
	ControlType            ControlType     `json:"controlType,omitempty"`
}

// MarshalJSON encodes the rule in its wire format.
func (r Rule) MarshalJSON() ([]byte, error) {
	w := ruleWire{
		RuleID:                 r.ID,
		RuleState:              r.State,
		GroupingKeyNames:       r.GroupingKeyNames,
		AggregateFieldName:     r.AggregateFieldName,
		AggregatorFunctionType: r.AggregatorType,
		LimitOperatorType:      string(r.LimitOperator),
		Limit:                  r.Limit,
		ControlType:            r.ControlType,
	}
	if r.WindowDuration > 0 {
		w.WindowDuration = r.WindowDuration.String()
		if r.WindowDuration%time.Minute == 0 {
			w.WindowMinutes = int64(r.WindowDuration / time.Minute)
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a wire rule. windowDuration wins over windowMinutes.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var w ruleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Rule{
		ID:                 w.RuleID,
		State:              RuleState(strings.ToUpper(string(w.RuleState))),
		GroupingKeyNames:   w.GroupingKeyNames,
		AggregateFieldName: w.AggregateFieldName,
		AggregatorType:     AggregatorType(strings.ToUpper(string(w.AggregatorFunctionType))),
		Limit:              w.Limit,
		ControlType:        ControlType(strings.ToUpper(string(w.ControlType))),
		WindowDuration:     time.Duration(w.WindowMinutes) * time.Minute,
	}
	if w.WindowDuration != "" {
		d, err := time.ParseDuration(w.WindowDuration)
		if err != nil {
			return fmt.Errorf("invalid windowDuration %q: %w", w.WindowDuration, err)
		}
		out.WindowDuration = d
	}
	if w.LimitOperatorType != "" {
		op, err := ParseLimitOperator(w.LimitOperatorType)
		if err != nil {
			return err
		}
		out.LimitOperator = op
	}
	if out.State == "" {
		out.State = RuleStateActive
	}

	*r = out
	return nil
}
