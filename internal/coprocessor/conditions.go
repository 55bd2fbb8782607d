package coprocessor

import "aura/internal/state"

// All holds when every condition holds. All() holds.
func All(conds ...Condition) Condition {
	return func(s state.Tree) bool {
		for _, c := range conds {
			if !c(s) {
				return false
			}
		}
		return true
	}
}

// Any holds when at least one condition holds. Any() does not hold.
func Any(conds ...Condition) Condition {
	return func(s state.Tree) bool {
		for _, c := range conds {
			if c(s) {
				return true
			}
		}
		return false
	}
}

// Not negates a condition.
func Not(c Condition) Condition {
	return func(s state.Tree) bool {
		return !c(s)
	}
}

// Always holds for every state.
func Always(state.Tree) bool { return true }
