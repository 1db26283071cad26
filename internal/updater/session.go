package updater

// Session is the in-memory, process-lifetime state the rollback coordinator
// inspects. Flags move through explicit method calls so every transition has
// one owner; there is no ambient assignment.
//
// The coordinator is a three-state machine: DISARMED until services are
// stopped, ARMED from that point until clean completion, FIRED after a
// rollback ran. It fires at most once.
type Session struct {
	previousTag  string
	candidateTag string

	servicesStopped bool
	archived        bool
	rollbackRoot    string

	completed bool
	fired     bool
}

func NewSession(previousTag, candidateTag string) *Session {
	return &Session{previousTag: previousTag, candidateTag: candidateTag}
}

// MarkStopped records that services were stopped; this arms the coordinator.
func (s *Session) MarkStopped() { s.servicesStopped = true }

// MarkArchived records a created snapshot. A failure between MarkStopped and
// MarkArchived still rolls back, just without binary restoration.
func (s *Session) MarkArchived(root string) {
	s.archived = true
	s.rollbackRoot = root
}

// Complete disarms the coordinator; only a fully successful run calls it.
func (s *Session) Complete() { s.completed = true }

// MarkFired latches the one permitted rollback.
func (s *Session) MarkFired() { s.fired = true }

// Armed reports whether an abnormal exit right now must trigger rollback.
func (s *Session) Armed() bool { return s.servicesStopped && !s.completed && !s.fired }

func (s *Session) Archived() bool       { return s.archived }
func (s *Session) RollbackRoot() string { return s.rollbackRoot }
func (s *Session) PreviousTag() string  { return s.previousTag }
func (s *Session) CandidateTag() string { return s.candidateTag }
