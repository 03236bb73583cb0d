package store

import (
	"os"
	"time"

	"github.com/sce-dev/sce/infrastructure/errors"
)

// Lock is a per-spec advisory lock document.
type Lock struct {
	Owner        string    `json:"owner"`
	Hostname     string    `json:"hostname"`
	Timestamp    time.Time `json:"timestamp"`
	Reason       string    `json:"reason"`
	TimeoutHours float64   `json:"timeout_hours"`
}

// Stale reports whether the lock has outlived its timeout at instant now.
func (l Lock) Stale(now time.Time) bool {
	if l.TimeoutHours <= 0 {
		return false
	}
	return now.Sub(l.Timestamp) > time.Duration(l.TimeoutHours*float64(time.Hour))
}

// AcquireLock takes the advisory lock for a spec. An existing non-stale
// lock held by another owner fails with Conflict unless force is set.
// Re-acquisition by the same owner refreshes the timestamp.
func (s *Store) AcquireLock(specID, owner, reason string, timeoutHours float64, force bool) (Lock, error) {
	path := s.layout.SpecLock(specID)
	now := s.clock.Now().UTC()

	var existing Lock
	err := s.ReadJSON(path, &existing)
	switch {
	case err == nil:
		if existing.Owner != owner && !existing.Stale(now) && !force {
			return Lock{}, errors.LockHeld(existing.Owner, existing.Hostname).
				WithDetails("spec", specID).
				WithDetails("acquired_at", existing.Timestamp)
		}
	case errors.HasCode(err, errors.CodeNotFound):
		// free to take
	case errors.HasCode(err, errors.CodeCorruption):
		// a torn or garbage lock document never blocks acquisition
	default:
		return Lock{}, err
	}

	hostname, _ := os.Hostname()
	lock := Lock{
		Owner:        owner,
		Hostname:     hostname,
		Timestamp:    now,
		Reason:       reason,
		TimeoutHours: timeoutHours,
	}
	if err := s.WriteJSON(path, lock); err != nil {
		return Lock{}, err
	}
	return lock, nil
}

// ReleaseLock drops the advisory lock for a spec. Releasing a lock held
// by a different owner fails with Conflict unless force is set.
func (s *Store) ReleaseLock(specID, owner string, force bool) error {
	path := s.layout.SpecLock(specID)
	var existing Lock
	err := s.ReadJSON(path, &existing)
	if err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			return nil
		}
		if errors.HasCode(err, errors.CodeCorruption) {
			return s.Remove(path)
		}
		return err
	}
	if existing.Owner != owner && !force {
		return errors.LockHeld(existing.Owner, existing.Hostname).WithDetails("spec", specID)
	}
	return s.Remove(path)
}

// ReadLock returns the current lock for a spec, or NotFound.
func (s *Store) ReadLock(specID string) (Lock, error) {
	var lock Lock
	if err := s.ReadJSON(s.layout.SpecLock(specID), &lock); err != nil {
		return Lock{}, err
	}
	return lock, nil
}
