package task

// Status tracks where a task is in its lifecycle. Transitions only move
// forward through the graph below; the one backward edge
// (PulledByDispatcher -> PushedIntoQueue) is the dispatcher's bounded
// re-enqueue after a failed scheduling attempt.
type Status int

const (
	StatusInitial Status = iota
	StatusPushedIntoQueue
	StatusPulledByDispatcher
	StatusRejectedByDispatcher
	StatusSetToProvider
	StatusSentFailed
	StatusSentToProvider
	StatusFailedByProvider
	StatusAborted
	StatusCompleted
	StatusTimeout
)

var statusNames = map[Status]string{
	StatusInitial:              "Initial",
	StatusPushedIntoQueue:      "PushedIntoQueue",
	StatusPulledByDispatcher:   "PulledByDispatcher",
	StatusRejectedByDispatcher: "RejectedByDispatcher",
	StatusSetToProvider:        "SetToProvider",
	StatusSentFailed:           "SentFailed",
	StatusSentToProvider:       "SentToProvider",
	StatusFailedByProvider:     "FailedByProvider",
	StatusAborted:              "Aborted",
	StatusCompleted:            "Completed",
	StatusTimeout:              "Timeout",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether no further status may follow s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejectedByDispatcher, StatusAborted, StatusCompleted, StatusTimeout:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusInitial:            {StatusPushedIntoQueue},
	StatusPushedIntoQueue:    {StatusPulledByDispatcher, StatusRejectedByDispatcher},
	StatusPulledByDispatcher: {StatusSetToProvider, StatusPushedIntoQueue, StatusRejectedByDispatcher},
	StatusSetToProvider:      {StatusSentToProvider, StatusSentFailed, StatusFailedByProvider},
	StatusSentFailed:         {StatusSentToProvider, StatusSentFailed, StatusFailedByProvider},
	StatusSentToProvider:     {StatusCompleted, StatusFailedByProvider, StatusAborted, StatusTimeout},
	StatusFailedByProvider:   {StatusAborted},
}

// ValidTransition reports whether from -> to is an edge of the lifecycle graph.
func ValidTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
