package auth

import (
	"fmt"

	"github.com/jrsteele09/go-mfa-server/credentials"
	"github.com/jrsteele09/go-mfa-server/mfa"
)

// State of a login attempt. The service is stateless between calls; the state
// is recomputed from the account and challenge records on every request.
type State int

const (
	AwaitingCredentials State = iota
	AwaitingMfa
	Authenticated
	Rejected
	Locked
)

func (s State) String() string {
	switch s {
	case AwaitingCredentials:
		return "awaiting_credentials"
	case AwaitingMfa:
		return "awaiting_mfa"
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	case Locked:
		return "locked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further event is accepted in s.
func (s State) Terminal() bool {
	return s == Authenticated || s == Rejected || s == Locked
}

// Event is a verifier result fed into the state machine.
type Event int

const (
	CredentialsValid Event = iota
	CredentialsInvalid
	CredentialsLocked
	MFASuccess
	MFAInvalid
	MFAExpired
	MFAExhausted
	MFANoChallenge
)

func (e Event) String() string {
	return [...]string{
		"credentials_valid", "credentials_invalid", "credentials_locked",
		"mfa_success", "mfa_invalid", "mfa_expired", "mfa_exhausted", "mfa_no_challenge",
	}[e]
}

var transitions = map[State]map[Event]State{
	AwaitingCredentials: {
		CredentialsValid:   AwaitingMfa,
		CredentialsInvalid: Rejected,
		CredentialsLocked:  Locked,
	},
	AwaitingMfa: {
		MFASuccess:     Authenticated,
		MFAInvalid:     AwaitingMfa,
		MFAExpired:     Rejected,
		MFAExhausted:   Rejected,
		MFANoChallenge: Rejected,
	},
}

// Transition returns the state reached from s on ev.
func Transition(s State, ev Event) (State, error) {
	next, ok := transitions[s][ev]
	if !ok {
		return s, fmt.Errorf("no transition from %s on %s", s, ev)
	}
	return next, nil
}

func credentialEvent(s credentials.Status) Event {
	switch s {
	case credentials.Valid:
		return CredentialsValid
	case credentials.Locked:
		return CredentialsLocked
	default:
		return CredentialsInvalid
	}
}

func mfaEvent(o mfa.Outcome) Event {
	switch o {
	case mfa.Success:
		return MFASuccess
	case mfa.Invalid:
		return MFAInvalid
	case mfa.Expired:
		return MFAExpired
	case mfa.Exhausted:
		return MFAExhausted
	default:
		return MFANoChallenge
	}
}
