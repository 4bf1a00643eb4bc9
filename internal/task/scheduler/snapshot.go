package scheduler

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()

	snap := Snapshot{
		Running:   sup != nil,
		Worker:    s.pool.Worker(),
		Kinds:     s.registry.Kinds(),
		Polls:     s.polls.Load(),
		Claims:    s.claims.Load(),
		Stale:     s.stale.Load(),
		Reaped:    s.reaped.Load(),
		PollError: s.pollErr.Load(),
		Pool:      s.pool.Snapshot(),
	}
	if sup != nil {
		snap.Goroutines = sup.Snapshot().Goroutines
	}
	return snap
}
