package session

import (
	"matchledger.ai/internal/engine"
	"matchledger.ai/internal/ledger"
)

const DefaultTerminalUnitKind = "marshal"

// DetectTerminal reports a terminal outcome when exactly one participant has lost a unit of
// the designated kind. The other participant wins.
func DetectTerminal(state engine.WorldState, participants [2]string, unitKind string) *ledger.Outcome {
	var lost [2]bool
	for _, u := range state.Units {
		if u.Kind != unitKind || !u.Captured {
			continue
		}
		for i, p := range participants {
			if u.Owner == p {
				lost[i] = true
			}
		}
	}
	switch {
	case lost[0] && !lost[1]:
		return &ledger.Outcome{Reason: ledger.ReasonTerminal, Winner: participants[1]}
	case lost[1] && !lost[0]:
		return &ledger.Outcome{Reason: ledger.ReasonTerminal, Winner: participants[0]}
	}
	return nil
}
