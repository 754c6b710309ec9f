package calls

// Rule describes one status transition.
//
// From lists the statuses the transition may start from. NoopFrom lists
// statuses where the request is accepted but nothing is written or
// published. Any other current status is an invalid transition.
type Rule struct {
	To       Status
	From     []Status
	NoopFrom []Status
}

// Allows reports whether current may move to r.To.
func (r Rule) Allows(current Status) bool {
	return containsStatus(r.From, current)
}

// IsNoop reports whether the request is an idempotent repeat for current.
func (r Rule) IsNoop(current Status) bool {
	return containsStatus(r.NoopFrom, current)
}

var (
	RuleRinging = Rule{
		To:       StatusRinging,
		From:     []Status{StatusDialing},
		NoopFrom: []Status{StatusRinging, StatusAccepted, StatusDeclined, StatusCancelled, StatusEnded, StatusMissed},
	}
	RuleAccept = Rule{
		To:   StatusAccepted,
		From: []Status{StatusRinging},
	}
	RuleDecline = Rule{
		To:   StatusDeclined,
		From: []Status{StatusRinging},
	}
	RuleMissed = Rule{
		To:   StatusMissed,
		From: []Status{StatusRinging},
	}
	RuleCancel = Rule{
		To:   StatusCancelled,
		From: []Status{StatusDialing, StatusRinging},
	}
	RuleEnd = Rule{
		To:   StatusEnded,
		From: []Status{StatusAccepted},
	}
)

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDeclined, StatusCancelled, StatusEnded, StatusMissed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDialing, StatusRinging, StatusAccepted, StatusDeclined, StatusCancelled, StatusEnded, StatusMissed:
		return true
	default:
		return false
	}
}

// IsPending reports whether the call is still waiting for an answer.
func (s Status) IsPending() bool {
	return s == StatusDialing || s == StatusRinging
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
