package models

// Priority represents the queue tier a task is scheduled in.
type Priority string

const (
	// PriorityUrgent tasks are dequeued before every other tier.
	PriorityUrgent Priority = "urgent"
	// PriorityHigh tasks are dequeued before medium and low.
	PriorityHigh Priority = "high"
	// PriorityMedium is the default tier.
	PriorityMedium Priority = "medium"
	// PriorityLow tasks run only when nothing else is ready.
	PriorityLow Priority = "low"
)

// Priorities lists all tiers from highest to lowest.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow}

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns the tier index, 0 being the most urgent.
// Unknown or empty priorities rank as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}
