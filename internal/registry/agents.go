package registry

// AgentSet remembers which agent ids already produced a "terminal available"
// delivery. It is bounded; the oldest entries are evicted first.
type AgentSet struct {
	capacity int
	owner    map[string]string
	order    []string
}

func NewAgentSet(capacity int) *AgentSet {
	if capacity <= 0 {
		capacity = 4096
	}
	return &AgentSet{capacity: capacity, owner: map[string]string{}}
}

// Mark records agentID for terminalID and reports whether it was new.
func (s *AgentSet) Mark(agentID, terminalID string) bool {
	if agentID == "" {
		return false
	}
	if _, ok := s.owner[agentID]; ok {
		return false
	}
	for len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.owner, oldest)
	}
	s.owner[agentID] = terminalID
	s.order = append(s.order, agentID)
	return true
}

func (s *AgentSet) Seen(agentID string) bool {
	_, ok := s.owner[agentID]
	return ok
}

// ForgetTerminal drops every agent id recorded for terminalID.
func (s *AgentSet) ForgetTerminal(terminalID string) int {
	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		if s.owner[id] == terminalID {
			delete(s.owner, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}

func (s *AgentSet) Len() int {
	return len(s.order)
}
