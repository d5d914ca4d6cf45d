package jobs

// Status represents the lifecycle state of a compression job in the
// compressed_files table. These values must match the labels of the
// status_enum type in the database.
type Status string

const (
	StatusCompressing Status = "compressing"
	StatusPassed      Status = "passed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCompressing, StatusPassed, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next. Jobs only
// ever leave compressing, and only for a terminal status.
func (s Status) CanTransition(next Status) bool {
	return s == StatusCompressing && next.Terminal()
}

// StatusForOutcome maps a task outcome to the terminal status it produces.
func StatusForOutcome(err error) Status {
	if err != nil {
		return StatusFailed
	}
	return StatusPassed
}
