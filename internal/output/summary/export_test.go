package outputsummary

// Count returns how many lines have been seen for source.
func (s *Summary) Count(source string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[source]; ok {
		return st.lines
	}
	return 0
}
