package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Collection names one durable document. Every document is a mapping keyed
// by a string identifier (usually the recipient id).
type Collection string

const (
	CollectionConversations Collection = "conversations"
	CollectionThreads       Collection = "leads_map"
	CollectionLeadStatus    Collection = "lead_status"
	CollectionFollowUps     Collection = "followup"
	CollectionPreferences   Collection = "preferences"
	CollectionBlocked       Collection = "blocked"
	CollectionUsernames     Collection = "usernames"
	CollectionCounters      Collection = "counters"
)

// Collections lists every document the store persists.
var Collections = []Collection{
	CollectionConversations,
	CollectionThreads,
	CollectionLeadStatus,
	CollectionFollowUps,
	CollectionPreferences,
	CollectionBlocked,
	CollectionUsernames,
	CollectionCounters,
}

// Document is the raw form of a collection.
type Document map[string]json.RawMessage

// Backend persists whole documents. Save receives the full document plus the
// keys changed by the mutation that triggered it; a backend may write either.
// A changed key that is absent from doc was deleted.
type Backend interface {
	Load(ctx context.Context, c Collection) (Document, error)
	Save(ctx context.Context, c Collection, doc Document, changed ...string) error
}

// SkippedError reports entries a backend could not read. The Document
// returned with it holds every readable entry and is usable.
type SkippedError struct {
	Collection Collection
	Keys       []string
	Err        error
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("repository: %s: skipped %d unreadable entries: %v", e.Collection, len(e.Keys), e.Err)
}

func (e *SkippedError) Unwrap() error { return e.Err }

func (e *SkippedError) add(key string, err error) {
	e.Keys = append(e.Keys, key)
	e.Err = errors.Join(e.Err, err)
}

// Reader fetches a single entry without loading the whole document.
type Reader interface {
	Get(ctx context.Context, c Collection, key string) (json.RawMessage, bool, error)
}
