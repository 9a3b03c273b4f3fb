package app

import (
	"context"

	"scriptorium/api/internal/presence"
)

func (s *Service) Heartbeat(ctx context.Context, session Session, documentID string) (presence.Snapshot, error) {
	if err := s.requirePresenceAccess(ctx, session, documentID); err != nil {
		return presence.Snapshot{}, err
	}
	return s.observe(s.presence.Heartbeat(ctx, documentID, session.Person)), nil
}

func (s *Service) Presence(ctx context.Context, session Session, documentID string) (presence.Snapshot, error) {
	if err := s.requirePresenceAccess(ctx, session, documentID); err != nil {
		return presence.Snapshot{}, err
	}
	return s.observe(s.presence.Query(ctx, documentID, session.PersonID())), nil
}

// LeavePresence always succeeds for an authenticated caller; removing an
// absent entry is a no-op.
func (s *Service) LeavePresence(ctx context.Context, session Session, documentID string) presence.Snapshot {
	return s.observe(s.presence.Leave(ctx, documentID, session.PersonID()))
}

func (s *Service) requirePresenceAccess(ctx context.Context, session Session, documentID string) error {
	a, err := documentAccess(ctx, s.store, documentID, session.PersonID())
	if err != nil {
		return err
	}
	return requireMember(a)
}

func (s *Service) observe(snapshot presence.Snapshot) presence.Snapshot {
	if snapshot.Degraded {
		s.metrics.presenceDegraded.Inc()
	}
	return snapshot
}
