package model

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type Condition string

const (
	ConditionGT  Condition = "gt"
	ConditionLT  Condition = "lt"
	ConditionGTE Condition = "gte"
	ConditionLTE Condition = "lte"
	ConditionEQ  Condition = "eq"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertRule is loaded from configuration and evaluated by the monitor.
type AlertRule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Metric      string    `json:"metric"`
	Condition   Condition `json:"condition"`
	Threshold   float64   `json:"threshold"`
	Window      string    `json:"window"`
	Severity    Severity  `json:"severity"`
	Channels    []string  `json:"channels"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description"`
}

func (r AlertRule) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Required),
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.Metric, validation.Required),
		validation.Field(&r.Condition, validation.Required, validation.In(
			ConditionGT, ConditionLT, ConditionGTE, ConditionLTE, ConditionEQ,
		)),
		validation.Field(&r.Window, validation.By(func(value interface{}) error {
			if value.(string) == "" {
				return nil
			}
			_, err := time.ParseDuration(value.(string))
			return err
		})),
		validation.Field(&r.Severity, validation.In(SeverityInfo, SeverityWarning, SeverityCritical)),
	)
}

// WindowDuration returns zero when no window is configured.
func (r AlertRule) WindowDuration() time.Duration {
	d, err := time.ParseDuration(r.Window)
	if err != nil {
		return 0
	}
	return d
}

// Fires reports whether value breaches the rule.
func (r AlertRule) Fires(value float64) bool {
	return compare(value, r.Condition, r.Threshold)
}

// Alert is the payload fanned out to notification channels.
type Alert struct {
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	Severity     Severity  `json:"severity"`
	Description  string    `json:"description"`
	Metric       string    `json:"metric"`
	CurrentValue float64   `json:"current_value"`
	Threshold    float64   `json:"threshold"`
	Condition    Condition `json:"condition"`
	Window       string    `json:"window"`
	Timestamp    time.Time `json:"timestamp"`
}
