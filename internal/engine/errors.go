package engine

import "errors"

// ErrRuleNotFound is returned by TriggerRule when no loaded rule matches
// the requested name.
var ErrRuleNotFound = errors.New("engine: rule not found")
