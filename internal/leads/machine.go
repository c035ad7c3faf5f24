// Package leads owns lead status transitions.
package leads

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"lead-agent/internal/domain"
)

// ErrInvalidTransition is returned when the current status does not allow
// the requested change.
var ErrInvalidTransition = errors.New("leads: invalid status transition")

// StatusStore is the subset of the durable store the machine needs.
type StatusStore interface {
	Status(id int64) domain.LeadStatus
	CompareAndPutStatus(ctx context.Context, id int64, next domain.LeadStatus, allowed func(current domain.LeadStatus) bool) (domain.LeadStatus, bool, error)
	SetBlocked(ctx context.Context, id int64, blocked bool) error
	IsBlocked(id int64) bool
}

// Machine applies guarded status transitions.
type Machine struct {
	store StatusStore
	log   zerolog.Logger
}

// NewMachine creates a Machine.
func NewMachine(store StatusStore, log zerolog.Logger) (*Machine, error) {
	if store == nil {
		return nil, errors.New("leads: store must not be nil")
	}
	return &Machine{store: store, log: log}, nil
}

// Status returns the recipient's current status.
func (m *Machine) Status(id int64) domain.LeadStatus {
	return m.store.Status(id)
}

// Contactable reports whether outbound messages may go to the recipient.
func (m *Machine) Contactable(id int64) bool {
	return m.store.Status(id).Contactable() && !m.store.IsBlocked(id)
}

func (m *Machine) transition(ctx context.Context, id int64, to domain.LeadStatus) (domain.LeadStatus, error) {
	from, ok, err := m.store.CompareAndPutStatus(ctx, id, to, func(cur domain.LeadStatus) bool {
		return domain.CanTransition(cur, to)
	})
	if err != nil {
		return from, fmt.Errorf("leads: %s -> %s: %w", from, to, err)
	}
	if !ok {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from != to {
		m.log.Info().Int64("recipient", id).Str("from", string(from)).Str("status", string(to)).Msg("lead status changed")
	}
	return from, nil
}

// MarkDataCollected records a structured application capture.
func (m *Machine) MarkDataCollected(ctx context.Context, id int64) error {
	_, err := m.transition(ctx, id, domain.StatusDataCollected)
	return err
}

// MarkUnreachable records a terminal delivery condition. status must be
// client_blocked or chat_deleted. changed is false when the recipient was
// already in a terminal status, so callers notify at most once.
func (m *Machine) MarkUnreachable(ctx context.Context, id int64, status domain.LeadStatus) (changed bool, err error) {
	if !status.Terminal() {
		return false, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	from, ok, err := m.store.CompareAndPutStatus(ctx, id, status, func(cur domain.LeadStatus) bool {
		return !cur.Terminal() && domain.CanTransition(cur, status)
	})
	if err != nil {
		return false, fmt.Errorf("leads: %s -> %s: %w", from, status, err)
	}
	if !ok {
		if from.Terminal() {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}
	m.log.Warn().Int64("recipient", id).Str("from", string(from)).Str("status", string(status)).Msg("recipient unreachable")
	return true, nil
}

// Block is the operator action that stops all contact with the recipient.
// An unreachable recipient keeps its terminal status and only joins the
// blocked set.
func (m *Machine) Block(ctx context.Context, id int64) error {
	if !m.store.Status(id).Terminal() {
		if _, err := m.transition(ctx, id, domain.StatusBlocked); err != nil {
			return err
		}
	}
	if err := m.store.SetBlocked(ctx, id, true); err != nil {
		return fmt.Errorf("leads: block %d: %w", id, err)
	}
	return nil
}

// Unblock is the only way back from blocked to active. For an unreachable
// recipient it clears the blocked set and leaves the status alone.
func (m *Machine) Unblock(ctx context.Context, id int64) error {
	if st := m.store.Status(id); st == domain.StatusActive || st.Terminal() {
		if err := m.store.SetBlocked(ctx, id, false); err != nil {
			return fmt.Errorf("leads: unblock %d: %w", id, err)
		}
		return nil
	}
	if _, err := m.transition(ctx, id, domain.StatusActive); err != nil {
		return err
	}
	if err := m.store.SetBlocked(ctx, id, false); err != nil {
		return fmt.Errorf("leads: unblock %d: %w", id, err)
	}
	return nil
}
