package domain

import "fmt"

// UpdateKind discriminates control channel records.
type UpdateKind int

const (
	UpdateUpsert UpdateKind = iota
	UpdateDelete
	UpdateDeleteAll
	UpdateClearState
	UpdateExportRules
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateUpsert:
		return "upsert"
	case UpdateDelete:
		return "delete"
	case UpdateDeleteAll:
		return "delete_all"
	case UpdateClearState:
		return "clear_state"
	case UpdateExportRules:
		return "export_rules"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// RuleUpdate is one record of the control channel. Every worker applies the
// same sequence of updates in the same order.
type RuleUpdate struct {
	Kind   UpdateKind
	Rule   Rule
	RuleID int
}

// Upsert builds an insert-or-replace update.
func Upsert(rule Rule) RuleUpdate {
	return RuleUpdate{Kind: UpdateUpsert, Rule: rule, RuleID: rule.ID}
}

// DeleteRule builds a single-rule delete.
func DeleteRule(id int) RuleUpdate {
	return RuleUpdate{Kind: UpdateDelete, RuleID: id}
}

// DeleteAll builds a delete-all control update.
func DeleteAll() RuleUpdate {
	return RuleUpdate{Kind: UpdateDeleteAll}
}

// RuleUpdateFromRule maps a wire rule record onto a control update.
func RuleUpdateFromRule(rule Rule) (RuleUpdate, error) {
	switch rule.State {
	case RuleStateActive, RuleStatePause:
		return Upsert(rule), nil
	case RuleStateDelete:
		return DeleteRule(rule.ID), nil
	case RuleStateControl:
		switch rule.ControlType {
		case ControlDeleteRulesAll:
			return DeleteAll(), nil
		case ControlClearStateAll:
			return RuleUpdate{Kind: UpdateClearState}, nil
		case ControlExportRulesCurrent:
			return RuleUpdate{Kind: UpdateExportRules}, nil
		default:
			return RuleUpdate{}, fmt.Errorf("unsupported control type %q", rule.ControlType)
		}
	default:
		return RuleUpdate{}, fmt.Errorf("unsupported rule state %q", rule.State)
	}
}

// EvaluationTask is one transaction forked for one rule under that rule's grouping key.
type EvaluationTask struct {
	Transaction Transaction
	GroupingKey string
	RuleID      int

	// RuleFingerprint identifies the rule definition the task was forked under.
	RuleFingerprint string
}
