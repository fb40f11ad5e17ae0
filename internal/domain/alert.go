package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Alert is produced once per threshold crossing and emitted downstream.
type Alert struct {
	RuleID                int             `json:"ruleId"`
	RuleDescription       string          `json:"ruleDescription"`
	GroupingKey           string          `json:"groupingKey"`
	TriggeringTransaction Transaction     `json:"triggeringTransaction"`
	ComputedValue         decimal.Decimal `json:"computedValue"`
	WindowStart           time.Time       `json:"windowStart"`
	WindowEnd             time.Time       `json:"windowEnd"`
}
