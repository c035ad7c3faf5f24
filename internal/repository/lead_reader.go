package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lead-agent/internal/domain"
)

// LeadRecord is everything persisted about one recipient.
type LeadRecord struct {
	RecipientID int64
	History     []domain.Turn
	Status      domain.LeadStatus
	Blocked     bool
	FollowUp    domain.FollowUpRecord
	HasFollowUp bool
	Preference  domain.Preference
}

// ReadLead assembles a LeadRecord entry by entry, without loading whole
// documents. It is used by the read-only operator function.
func ReadLead(ctx context.Context, r Reader, id int64) (LeadRecord, error) {
	if r == nil {
		return LeadRecord{}, errors.New("repository: reader must not be nil")
	}
	rec := LeadRecord{RecipientID: id, Status: domain.StatusActive}
	key := idKey(id)

	if _, err := getInto(ctx, r, CollectionConversations, key, &rec.History); err != nil {
		return LeadRecord{}, err
	}
	if _, err := getInto(ctx, r, CollectionLeadStatus, key, &rec.Status); err != nil {
		return LeadRecord{}, err
	}
	if _, err := getInto(ctx, r, CollectionBlocked, key, &rec.Blocked); err != nil {
		return LeadRecord{}, err
	}
	ok, err := getInto(ctx, r, CollectionFollowUps, key, &rec.FollowUp)
	if err != nil {
		return LeadRecord{}, err
	}
	rec.HasFollowUp = ok
	if _, err := getInto(ctx, r, CollectionPreferences, key, &rec.Preference); err != nil {
		return LeadRecord{}, err
	}
	return rec, nil
}

func getInto(ctx context.Context, r Reader, c Collection, key string, v any) (bool, error) {
	raw, ok, err := r.Get(ctx, c, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("repository: decode %s/%s: %w", c, key, err)
	}
	return true, nil
}
