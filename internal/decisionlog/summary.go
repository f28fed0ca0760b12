package decisionlog

import (
	"slices"
	"time"
)

// Summary folds the entries of one transaction into the facts recovery
// needs.
type Summary struct {
	TxnID          string
	BeganAt        time.Time
	Participants   []string
	Votes          map[string]string
	Done           map[string]string
	PrepareStarted bool
	// Decision is the value of the last DECISION entry, or empty.
	Decision string
	// Terminal is the value of the last TRANSACTION_TERMINAL entry, or empty.
	Terminal   string
	TerminalAt time.Time
	LastSeq    uint64
	UpdatedAt  time.Time
}

// Decided reports whether a decision entry was written.
func (s Summary) Decided() bool {
	return s.Decision != ""
}

// Finished reports whether a terminal entry was written.
func (s Summary) Finished() bool {
	return s.Terminal != ""
}

// Group folds entries into one Summary per transaction, ordered by the first
// entry seen for each transaction.
func Group(entries []Entry) []Summary {
	index := make(map[string]int)
	var out []Summary
	for _, e := range entries {
		i, ok := index[e.TxnID]
		if !ok {
			i = len(out)
			index[e.TxnID] = i
			out = append(out, Summary{
				TxnID: e.TxnID,
				Votes: make(map[string]string),
				Done:  make(map[string]string),
			})
		}
		s := &out[i]
		s.LastSeq = e.Seq
		s.UpdatedAt = e.Timestamp
		switch e.Kind {
		case KindBegin:
			s.BeganAt = e.Timestamp
		case KindEnlist:
			if !slices.Contains(s.Participants, e.Participant) {
				s.Participants = append(s.Participants, e.Participant)
			}
		case KindPrepareStart:
			s.PrepareStarted = true
		case KindPrepareVote:
			s.Votes[e.Participant] = e.Value
		case KindDecision:
			s.Decision = e.Value
		case KindParticipantDone:
			s.Done[e.Participant] = e.Value
		case KindTerminal:
			s.Terminal = e.Value
			s.TerminalAt = e.Timestamp
		}
	}
	return out
}
