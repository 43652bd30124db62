package model

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// compare evaluates value <condition> compareTo for the alert conditions.
func compare(value float64, condition Condition, compareTo float64) bool {
	switch condition {
	case ConditionGT:
		return value > compareTo
	case ConditionLT:
		return value < compareTo
	case ConditionGTE:
		return value >= compareTo
	case ConditionLTE:
		return value <= compareTo
	case ConditionEQ:
		return value == compareTo
	}
	return false
}
