package store

// AccountingHandle is a non-owning, cached reference into the host
// accounting subsystem's per-user record. It exists purely to avoid
// re-resolving that lookup on every allocation touch within a single
// agent pass; the real association is owned elsewhere and the handle
// carries no cleanup obligation.
type AccountingHandle struct {
	UserID    uint32
	Account   string
	Partition string
	QOS       string
}

// AccountingHandleFor returns a cached handle for userID if one was
// populated this pass, and whether it was found.
func (s *Store) AccountingHandleFor(userID uint32) (*AccountingHandle, bool) {
	v, ok := s.handles.Get(userID)
	if !ok {
		return nil, false
	}
	return v.(*AccountingHandle), true
}

// CacheAccountingHandle stores h for future lookups within this agent pass.
func (s *Store) CacheAccountingHandle(h *AccountingHandle) {
	s.handles.Add(h.UserID, h)
}

// InvalidateHandles drops every cached accounting handle. spec.md's
// Design Notes call for the association pointer to be "invalidated on
// each agent pass" - the agent calls this at the start of every pass
// so a stale attribution never survives past the sync that could have
// corrected it.
func (s *Store) InvalidateHandles() {
	s.handles.Purge()
}
