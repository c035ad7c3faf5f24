// Package followup re-engages recipients who stopped replying.
package followup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lead-agent/internal/domain"
)

// naiveLayouts are accepted for records written without a zone offset;
// they are read in the reference timezone.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp reads an RFC 3339 timestamp, or a naive one interpreted in
// loc, so that both sides of a subtraction carry a zone.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("followup: empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("followup: unparseable timestamp %q", raw)
}

// RecordStore persists follow-up records.
type RecordStore interface {
	UpdateFollowUp(ctx context.Context, id int64, fn func(rec domain.FollowUpRecord, ok bool) domain.FollowUpRecord) (domain.FollowUpRecord, error)
}

// Tracker keeps follow-up records in step with the conversation.
type Tracker struct {
	store RecordStore
	now   func() time.Time
}

func NewTracker(store RecordStore, now func() time.Time) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("followup: store must not be nil")
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, now: now}, nil
}

func (t *Tracker) stamp() string { return t.now().Format(time.RFC3339) }

// Inbound starts a fresh record: the recipient replied, so the follow-up
// cadence begins again.
func (t *Tracker) Inbound(ctx context.Context, id int64) error {
	_, err := t.store.UpdateFollowUp(ctx, id, func(domain.FollowUpRecord, bool) domain.FollowUpRecord {
		return domain.FollowUpRecord{LastActivity: t.stamp()}
	})
	return err
}

// Outbound moves last activity forward and keeps the attempt count.
func (t *Tracker) Outbound(ctx context.Context, id int64) error {
	_, err := t.store.UpdateFollowUp(ctx, id, func(rec domain.FollowUpRecord, _ bool) domain.FollowUpRecord {
		rec.LastActivity = t.stamp()
		return rec
	})
	return err
}
