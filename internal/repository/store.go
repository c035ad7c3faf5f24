package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"lead-agent/internal/domain"
)

const countersKey = "state"

// Store is the single owner of all durable state. Reads return copies;
// every mutation is written through to the backend before it returns.
// One coarse lock serialises mutations and their writes.
type Store struct {
	backend    Backend
	maxHistory int
	log        zerolog.Logger

	mu            sync.Mutex
	conversations map[int64][]domain.Turn
	threads       map[int64]int64
	statuses      map[int64]domain.LeadStatus
	followUps     map[int64]domain.FollowUpRecord
	preferences   map[int64]domain.Preference
	blocked       map[int64]bool
	usernames     map[string]int64
	counters      domain.DailyCounters
	hasCounters   bool
}

// Open loads every collection from backend. Entries that fail to decode are
// logged and skipped; they never fail the whole load.
func Open(ctx context.Context, backend Backend, maxHistory int, log zerolog.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("repository: backend must not be nil")
	}
	if maxHistory <= 0 {
		return nil, errors.New("repository: max history must be positive")
	}
	s := &Store{
		backend:       backend,
		maxHistory:    maxHistory,
		log:           log,
		conversations: make(map[int64][]domain.Turn),
		threads:       make(map[int64]int64),
		statuses:      make(map[int64]domain.LeadStatus),
		followUps:     make(map[int64]domain.FollowUpRecord),
		preferences:   make(map[int64]domain.Preference),
		blocked:       make(map[int64]bool),
		usernames:     make(map[string]int64),
	}
	for _, c := range Collections {
		doc, err := backend.Load(ctx, c)
		var corrupt *CorruptError
		if errors.As(err, &corrupt) {
			log.Error().Err(err).Str("collection", string(c)).Msg("document quarantined, starting empty")
			continue
		}
		var skipped *SkippedError
		if errors.As(err, &skipped) {
			log.Warn().Err(err).Str("collection", string(c)).Strs("keys", skipped.Keys).Msg("skipping unreadable entries")
			err = nil
		}
		if err != nil {
			return nil, err
		}
		s.decode(c, doc)
	}
	return s, nil
}

func (s *Store) decode(c Collection, doc Document) {
	for key, raw := range doc {
		if err := s.decodeEntry(c, key, raw); err != nil {
			s.log.Warn().Err(err).Str("collection", string(c)).Str("key", key).Msg("skipping unreadable entry")
		}
	}
}

func (s *Store) decodeEntry(c Collection, key string, raw json.RawMessage) error {
	if c == CollectionUsernames {
		var id int64
		if err := json.Unmarshal(raw, &id); err != nil {
			return err
		}
		s.usernames[normalizeUsername(key)] = id
		return nil
	}
	if c == CollectionCounters {
		if key != countersKey {
			return errors.New("unexpected counters key")
		}
		if err := json.Unmarshal(raw, &s.counters); err != nil {
			return err
		}
		s.hasCounters = true
		return nil
	}

	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return fmt.Errorf("key is not a numeric id: %w", err)
	}
	switch c {
	case CollectionConversations:
		var turns []domain.Turn
		if err := json.Unmarshal(raw, &turns); err != nil {
			return err
		}
		s.conversations[id] = domain.TrimHistory(turns, s.maxHistory)
	case CollectionThreads:
		var recipient int64
		if err := json.Unmarshal(raw, &recipient); err != nil {
			return err
		}
		s.threads[id] = recipient
	case CollectionLeadStatus:
		var st domain.LeadStatus
		if err := json.Unmarshal(raw, &st); err != nil {
			return err
		}
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", st)
		}
		s.statuses[id] = st
	case CollectionFollowUps:
		var rec domain.FollowUpRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		s.followUps[id] = rec
	case CollectionPreferences:
		var p domain.Preference
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		s.preferences[id] = p
	case CollectionBlocked:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		if b {
			s.blocked[id] = true
		}
	}
	return nil
}

// persist encodes collection c and hands it to the backend. Callers hold mu.
func (s *Store) persist(ctx context.Context, c Collection, changed ...string) error {
	doc, err := s.encode(c)
	if err != nil {
		return fmt.Errorf("repository: encode %s: %w", c, err)
	}
	if err := s.backend.Save(ctx, c, doc, changed...); err != nil {
		return fmt.Errorf("repository: save %s: %w", c, err)
	}
	return nil
}

func (s *Store) encode(c Collection) (Document, error) {
	doc := Document{}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		doc[key] = raw
		return nil
	}
	var err error
	switch c {
	case CollectionConversations:
		for id, turns := range s.conversations {
			if err = put(idKey(id), turns); err != nil {
				return nil, err
			}
		}
	case CollectionThreads:
		for thread, recipient := range s.threads {
			if err = put(idKey(thread), recipient); err != nil {
				return nil, err
			}
		}
	case CollectionLeadStatus:
		for id, st := range s.statuses {
			if err = put(idKey(id), st); err != nil {
				return nil, err
			}
		}
	case CollectionFollowUps:
		for id, rec := range s.followUps {
			if err = put(idKey(id), rec); err != nil {
				return nil, err
			}
		}
	case CollectionPreferences:
		for id, p := range s.preferences {
			if err = put(idKey(id), p); err != nil {
				return nil, err
			}
		}
	case CollectionBlocked:
		for id := range s.blocked {
			if err = put(idKey(id), true); err != nil {
				return nil, err
			}
		}
	case CollectionUsernames:
		for name, id := range s.usernames {
			if err = put(name, id); err != nil {
				return nil, err
			}
		}
	case CollectionCounters:
		if s.hasCounters {
			if err = put(countersKey, s.counters); err != nil {
				return nil, err
			}
		}
	}
	return doc, nil
}

func idKey(id int64) string { return strconv.FormatInt(id, 10) }

func normalizeUsername(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}

// History returns a copy of the recipient's turns, oldest first.
func (s *Store) History(id int64) []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Turn(nil), s.conversations[id]...)
}

// HasHistory reports whether any turn has been recorded for the recipient.
func (s *Store) HasHistory(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations[id]) > 0
}

// AppendTurns appends to the recipient's history, trims it to the cap and
// writes it through. It returns the stored history.
func (s *Store) AppendTurns(ctx context.Context, id int64, turns ...domain.Turn) ([]domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.conversations[id], turns...)
	history = domain.TrimHistory(history, s.maxHistory)
	s.conversations[id] = history
	out := append([]domain.Turn(nil), history...)
	return out, s.persist(ctx, CollectionConversations, idKey(id))
}

// ConversationIDs lists recipients with history in ascending order.
func (s *Store) ConversationIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Status returns the recipient's lead status, StatusActive when unset.
func (s *Store) Status(id int64) domain.LeadStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[id]; ok {
		return st
	}
	return domain.StatusActive
}

// PutStatus stores a lead status without checking the transition; use the
// leads package for guarded changes.
func (s *Store) PutStatus(ctx context.Context, id int64, st domain.LeadStatus) error {
	if !st.Valid() {
		return fmt.Errorf("repository: invalid lead status %q", st)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = st
	return s.persist(ctx, CollectionLeadStatus, idKey(id))
}

// CompareAndPutStatus stores next only when allowed(current) holds, so
// concurrent state changes are checked and written under one lock.
func (s *Store) CompareAndPutStatus(ctx context.Context, id int64, next domain.LeadStatus, allowed func(current domain.LeadStatus) bool) (domain.LeadStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.statuses[id]
	if !ok {
		current = domain.StatusActive
	}
	if !allowed(current) {
		return current, false, nil
	}
	if current == next {
		return current, true, nil
	}
	s.statuses[id] = next
	return current, true, s.persist(ctx, CollectionLeadStatus, idKey(id))
}

// FollowUp returns the recipient's follow-up record.
func (s *Store) FollowUp(id int64) (domain.FollowUpRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.followUps[id]
	return rec, ok
}

// FollowUps returns a snapshot of every follow-up record.
func (s *Store) FollowUps() map[int64]domain.FollowUpRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]domain.FollowUpRecord, len(s.followUps))
	for id, rec := range s.followUps {
		out[id] = rec
	}
	return out
}

// PutFollowUp replaces the recipient's follow-up record.
func (s *Store) PutFollowUp(ctx context.Context, id int64, rec domain.FollowUpRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followUps[id] = rec
	return s.persist(ctx, CollectionFollowUps, idKey(id))
}

// UpdateFollowUp applies fn to the current record (zero value when absent)
// under the store lock and writes the result.
func (s *Store) UpdateFollowUp(ctx context.Context, id int64, fn func(rec domain.FollowUpRecord, ok bool) domain.FollowUpRecord) (domain.FollowUpRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.followUps[id]
	rec = fn(rec, ok)
	s.followUps[id] = rec
	return rec, s.persist(ctx, CollectionFollowUps, idKey(id))
}

// Preference returns the recipient's delivery preferences.
func (s *Store) Preference(id int64) domain.Preference {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferences[id]
}

// UpdatePreference applies fn to the recipient's preferences and writes them.
func (s *Store) UpdatePreference(ctx context.Context, id int64, fn func(p domain.Preference) domain.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[id] = fn(s.preferences[id])
	return s.persist(ctx, CollectionPreferences, idKey(id))
}

// IsBlocked reports whether the operator blocked the recipient.
func (s *Store) IsBlocked(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[id]
}

// SetBlocked adds or removes the recipient from the blocked set.
func (s *Store) SetBlocked(ctx context.Context, id int64, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blocked {
		s.blocked[id] = true
	} else {
		delete(s.blocked, id)
	}
	return s.persist(ctx, CollectionBlocked, idKey(id))
}

// BlockedCount returns the size of the blocked set.
func (s *Store) BlockedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocked)
}

// RememberUsername maps a username to a recipient id. Writes are skipped
// when the mapping is unchanged.
func (s *Store) RememberUsername(ctx context.Context, username string, id int64) error {
	name := normalizeUsername(username)
	if name == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.usernames[name]; ok && cur == id {
		return nil
	}
	s.usernames[name] = id
	return s.persist(ctx, CollectionUsernames, name)
}

// LookupUsername resolves a username (with or without "@").
func (s *Store) LookupUsername(username string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usernames[normalizeUsername(username)]
	return id, ok
}

// UsernameFor returns the remembered username of a recipient.
func (s *Store) UsernameFor(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, rid := range s.usernames {
		if rid == id {
			return name
		}
	}
	return ""
}

// LinkThread associates a forwarded operator message with a recipient.
// Re-forwarding overwrites the link; links are never deleted.
func (s *Store) LinkThread(ctx context.Context, threadID, recipientID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = recipientID
	return s.persist(ctx, CollectionThreads, idKey(threadID))
}

// ThreadRecipient resolves an operator message to its recipient.
func (s *Store) ThreadRecipient(threadID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.threads[threadID]
	return id, ok
}

// ThreadFor returns the most recent operator message linked to a recipient.
func (s *Store) ThreadFor(recipientID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest int64
	found := false
	for thread, id := range s.threads {
		if id == recipientID && (!found || thread > latest) {
			latest, found = thread, true
		}
	}
	return latest, found
}

// LoadCounters returns the persisted daily counters.
func (s *Store) LoadCounters() (domain.DailyCounters, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasCounters {
		return domain.DailyCounters{}, false
	}
	return copyCounters(s.counters), true
}

// SaveCounters persists the daily counters.
func (s *Store) SaveCounters(ctx context.Context, c domain.DailyCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = copyCounters(c)
	s.hasCounters = true
	return s.persist(ctx, CollectionCounters, countersKey)
}

func copyCounters(c domain.DailyCounters) domain.DailyCounters {
	out := domain.DailyCounters{Day: c.Day, Global: c.Global, PerUser: make(map[string]int, len(c.PerUser))}
	for k, v := range c.PerUser {
		out.PerUser[k] = v
	}
	return out
}

// Snapshot encodes every collection as it is currently held in memory.
func (s *Store) Snapshot() (map[Collection]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Collection]Document, len(Collections))
	for _, c := range Collections {
		doc, err := s.encode(c)
		if err != nil {
			return nil, fmt.Errorf("repository: snapshot %s: %w", c, err)
		}
		out[c] = doc
	}
	return out, nil
}

// Stats summarises the store for health reporting.
type Stats struct {
	Conversations int
	Blocked       int
	DataCollected int
	Unreachable   int
}

// Stats counts conversations and lead statuses.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Conversations: len(s.conversations), Blocked: len(s.blocked)}
	for _, status := range s.statuses {
		switch {
		case status == domain.StatusDataCollected:
			st.DataCollected++
		case status.Terminal():
			st.Unreachable++
		}
	}
	return st
}
