// Package alertstate persists per-rule lifecycle state and the
// append-only alert-event history to two dedicated search-store
// indices.
package alertstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vaultize/alert-engine/internal/alertmodel"
	"github.com/vaultize/alert-engine/internal/store"
)

// storeClient is the narrow store surface alertstate needs.
type storeClient interface {
	Search(ctx context.Context, indices []string, queryBody map[string]interface{}) (*store.SearchResult, error)
	IndexDocument(ctx context.Context, index, id string, doc interface{}) error
	EnsureIndex(ctx context.Context, index string, mapping map[string]interface{}) error
}

// decodeStates decodes each hit's _source document in result into an
// alertmodel.RuleState, keyed by rule name. A document that fails to
// decode is skipped with a warning rather than failing the whole load —
// one corrupt state document should not block every other rule's
// recovered state on startup.
func decodeStates(result *store.SearchResult) (map[string]*alertmodel.RuleState, error) {
	states := make(map[string]*alertmodel.RuleState, len(result.Sources))
	for _, src := range result.Sources {
		var s alertmodel.RuleState
		if err := json.Unmarshal(src, &s); err != nil {
			log.Warn().Err(err).Msg("alertstate: skipping undecodable state document")
			continue
		}
		if s.RuleName == "" {
			continue
		}
		states[s.RuleName] = &s
	}
	return states, nil
}

// Store persists RuleState and AlertEvent documents to the search store's
// state and history indices.
type Store struct {
	client       storeClient
	stateIndex   string
	historyIndex string

	backupDir string
}

// New builds a Store against the given client and index names. backupDir
// receives a local copy of a rule's state whenever persisting it to the
// store fails; the copy is removed on the next successful persist. The
// copies are not read back: LoadAllStates reads only the state index.
// backupDir may be empty to disable the local copies entirely.
func New(client storeClient, stateIndex, historyIndex, backupDir string) *Store {
	return &Store{client: client, stateIndex: stateIndex, historyIndex: historyIndex, backupDir: backupDir}
}

var stateIndexMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"ruleName":          map[string]interface{}{"type": "keyword"},
			"state":             map[string]interface{}{"type": "keyword"},
			"lastEvalAt":        map[string]interface{}{"type": "date"},
			"lastValue":         map[string]interface{}{"type": "double"},
			"conditionMetSince": map[string]interface{}{"type": "date"},
			"lastNotifiedAt":    map[string]interface{}{"type": "date"},
			"consecutiveErrors": map[string]interface{}{"type": "integer"},
		},
	},
}

var historyIndexMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"id":            map[string]interface{}{"type": "keyword"},
			"ruleName":      map[string]interface{}{"type": "keyword"},
			"kind":          map[string]interface{}{"type": "keyword"},
			"priorState":    map[string]interface{}{"type": "keyword"},
			"newState":      map[string]interface{}{"type": "keyword"},
			"timestamp":     map[string]interface{}{"type": "date"},
			"observedValue": map[string]interface{}{"type": "double"},
			"threshold":     map[string]interface{}{"type": "double"},
			"operator":      map[string]interface{}{"type": "keyword"},
		},
	},
}

// EnsureIndices idempotently creates the state and history indices.
func (s *Store) EnsureIndices(ctx context.Context) error {
	if err := s.client.EnsureIndex(ctx, s.stateIndex, stateIndexMapping); err != nil {
		return fmt.Errorf("alertstate: ensure state index: %w", err)
	}
	if err := s.client.EnsureIndex(ctx, s.historyIndex, historyIndexMapping); err != nil {
		return fmt.Errorf("alertstate: ensure history index: %w", err)
	}
	return nil
}

// LoadAllStates returns every rule's last-known state from the state
// index, keyed by rule name. Rules with no stored document are simply
// absent from the map; callers default them via alertmodel.NewRuleState.
func (s *Store) LoadAllStates(ctx context.Context) (map[string]*alertmodel.RuleState, error) {
	result, err := s.client.Search(ctx, []string{s.stateIndex}, map[string]interface{}{
		"query": map[string]interface{}{"match_all": map[string]interface{}{}},
		"size":  10000,
	})
	if err != nil {
		var storeErr *store.Error
		if errors.As(err, &storeErr) && storeErr.Kind == store.ErrIndexMissing {
			return map[string]*alertmodel.RuleState{}, nil
		}
		return nil, fmt.Errorf("alertstate: load states: %w", err)
	}

	states, err := decodeStates(result)
	if err != nil {
		return nil, fmt.Errorf("alertstate: decode states: %w", err)
	}
	return states, nil
}

// PersistState overwrites the stored document for ruleName (doc id =
// ruleName). Failures are logged but never returned to the caller: the
// scheduler must keep running on the in-memory copy regardless.
func (s *Store) PersistState(ctx context.Context, ruleName string, state *alertmodel.RuleState) {
	if err := s.client.IndexDocument(ctx, s.stateIndex, ruleName, state); err != nil {
		log.Error().
			Err(err).
			Str("rule", ruleName).
			Msg("PersistenceFailed: could not persist rule state")
		s.writeBackup(ruleName, state)
		return
	}
	s.removeBackup(ruleName)
}

// AppendEvent writes an AlertEvent to the history index. Failures are
// logged but never block dispatch or the scheduler.
func (s *Store) AppendEvent(ctx context.Context, event *alertmodel.AlertEvent) {
	if err := s.client.IndexDocument(ctx, s.historyIndex, event.ID, event); err != nil {
		log.Error().
			Err(err).
			Str("rule", event.RuleName).
			Str("event", event.ID).
			Msg("PersistenceFailed: could not append alert event")
	}
}

// QueryHistory returns up to limit AlertEvents from the history index,
// most recent first, optionally filtered to one rule and to events at or
// after since. A missing history index yields an empty result rather
// than an error, mirroring LoadAllStates.
func (s *Store) QueryHistory(ctx context.Context, ruleName string, since time.Time, limit int) ([]*alertmodel.AlertEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var filters []interface{}
	if ruleName != "" {
		filters = append(filters, map[string]interface{}{
			"term": map[string]interface{}{"ruleName": ruleName},
		})
	}
	if !since.IsZero() {
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{
				"timestamp": map[string]interface{}{"gte": since.UTC().Format(time.RFC3339)},
			},
		})
	}

	query := map[string]interface{}{"match_all": map[string]interface{}{}}
	if len(filters) > 0 {
		query = map[string]interface{}{"bool": map[string]interface{}{"filter": filters}}
	}

	result, err := s.client.Search(ctx, []string{s.historyIndex}, map[string]interface{}{
		"query": query,
		"size":  limit,
		"sort":  []interface{}{map[string]interface{}{"timestamp": "desc"}},
	})
	if err != nil {
		var storeErr *store.Error
		if errors.As(err, &storeErr) && storeErr.Kind == store.ErrIndexMissing {
			return nil, nil
		}
		return nil, fmt.Errorf("alertstate: query history: %w", err)
	}

	events := make([]*alertmodel.AlertEvent, 0, len(result.Sources))
	for _, src := range result.Sources {
		var event alertmodel.AlertEvent
		if err := json.Unmarshal(src, &event); err != nil {
			log.Warn().Err(err).Msg("alertstate: skipping undecodable history document")
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

// writeBackup keeps the last-known-good state on local disk when the
// authoritative store write fails, using a write-to-temp-then-rename
// sequence so a crash mid-write never leaves a truncated backup file.
func (s *Store) writeBackup(ruleName string, state *alertmodel.RuleState) {
	if s.backupDir == "" {
		return
	}
	path := s.backupPath(ruleName)
	tmp := path + ".tmp"

	data, err := json.Marshal(state)
	if err != nil {
		log.Warn().Err(err).Str("rule", ruleName).Msg("failed to marshal state for local backup")
		return
	}
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		log.Warn().Err(err).Str("dir", s.backupDir).Msg("failed to create state backup directory")
		return
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Warn().Err(err).Str("rule", ruleName).Msg("failed to write local state backup")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Warn().Err(err).Str("rule", ruleName).Msg("failed to finalize local state backup")
	}
}

func (s *Store) removeBackup(ruleName string) {
	if s.backupDir == "" {
		return
	}
	path := s.backupPath(ruleName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("rule", ruleName).Msg("failed to remove stale local state backup")
	}
}

func (s *Store) backupPath(ruleName string) string {
	return filepath.Join(s.backupDir, ruleName+".state.json")
}
