package escrow

import "fmt"

// transition moves the split to the target status, rejecting any edge that is
// not part of the lifecycle:
//
//	Active  -> Released | Cancelled | Expired
//	Expired -> Cancelled
func transition(s *Split, to SplitStatus) error {
	if s == nil {
		return fmt.Errorf("escrow: nil split")
	}
	allowed := false
	switch s.Status {
	case StatusActive:
		allowed = to == StatusReleased || to == StatusCancelled || to == StatusExpired
	case StatusExpired:
		allowed = to == StatusCancelled
	case StatusReleased, StatusCancelled:
		allowed = false
	default:
		return fmt.Errorf("escrow: split %d has invalid status %d", s.ID, s.Status)
	}
	if !allowed {
		return fmt.Errorf("escrow: split %d cannot move from %s to %s", s.ID, s.Status, to)
	}
	s.Status = to
	return nil
}

// applyExpiry lazily marks an active split expired once the host clock has
// passed its deadline. The change is persisted and announced as part of the
// current call.
func (e *Engine) applyExpiry(s *Split, now int64) error {
	if !s.ExpiredAt(now) {
		return nil
	}
	if err := transition(s, StatusExpired); err != nil {
		return err
	}
	if err := e.storeSplit(s); err != nil {
		return err
	}
	if err := e.updateStats(func(st *Stats) { st.TotalExpired++ }); err != nil {
		return err
	}
	e.emit(NewExpiredEvent(s, now))
	return nil
}

func depositAllowed(status SplitStatus) error {
	switch status {
	case StatusActive:
		return nil
	case StatusExpired:
		return ErrExpired
	case StatusReleased, StatusCancelled:
		return fmt.Errorf("%w: %s", ErrNotActive, status)
	default:
		return fmt.Errorf("escrow: invalid status %d", status)
	}
}

func cancelAllowed(status SplitStatus) error {
	switch status {
	case StatusActive, StatusExpired:
		return nil
	case StatusReleased:
		return ErrAlreadyReleased
	case StatusCancelled:
		return ErrCancelled
	default:
		return fmt.Errorf("escrow: invalid status %d", status)
	}
}

func refundAllowed(status SplitStatus) error {
	switch status {
	case StatusCancelled, StatusExpired:
		return nil
	case StatusActive, StatusReleased:
		return fmt.Errorf("%w: %s", ErrNotRefundable, status)
	default:
		return fmt.Errorf("escrow: invalid status %d", status)
	}
}

func extendAllowed(status SplitStatus) error {
	switch status {
	case StatusActive:
		return nil
	case StatusExpired:
		return ErrExpired
	case StatusReleased, StatusCancelled:
		return fmt.Errorf("%w: %s", ErrNotActive, status)
	default:
		return fmt.Errorf("escrow: invalid status %d", status)
	}
}

func releaseAllowed(status SplitStatus) error {
	switch status {
	case StatusActive:
		return nil
	case StatusReleased:
		return ErrAlreadyReleased
	case StatusCancelled:
		return ErrCancelled
	case StatusExpired:
		return ErrExpired
	default:
		return fmt.Errorf("escrow: invalid status %d", status)
	}
}

func metadataAllowed(status SplitStatus) error {
	return extendAllowed(status)
}
