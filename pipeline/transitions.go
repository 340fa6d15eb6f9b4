package pipeline

import (
	"fmt"

	"github.com/warp/referral-engine/ledger"
)

// transitions is the complete table of allowed moves. Nothing re-enters lead
// and nothing leaves a terminal state.
var transitions = map[ledger.State][]ledger.State{
	ledger.StateLead:      {ledger.StateContacted},
	ledger.StateContacted: {ledger.StateConverted, ledger.StateLost},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to ledger.State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Allowed lists the states reachable from s in one move.
func Allowed(s ledger.State) []ledger.State {
	return append([]ledger.State(nil), transitions[s]...)
}

// authorizeTransition decides whether p may move r to target. claim is true
// when an unassigned lead is being contacted by a consultant, which assigns
// the referral to that consultant.
func authorizeTransition(p ledger.Principal, r ledger.Referral, target ledger.State) (claim bool, err error) {
	switch p.Role {
	case ledger.RoleAdmin:
		return false, nil
	case ledger.RoleConsultant:
		if r.ConsultantID == "" {
			if r.State == ledger.StateLead && target == ledger.StateContacted {
				return true, nil
			}
			break
		}
		if p.IsConsultant(r.ConsultantID) {
			return false, nil
		}
	}
	return false, &ledger.PermissionError{
		Principal: p,
		Action:    fmt.Sprintf("move referral %s to %s", r.ID, target),
	}
}
