// Package state persists inventory snapshots as immutable, checksummed
// JSON artifacts and retrieves them for delta comparison.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inventag/inventag/pkg/inventory"
	"github.com/inventag/inventag/pkg/storage"
	"github.com/inventag/inventag/pkg/version"
)

// ErrIntegrity flags a snapshot whose stored checksum does not match its
// content. Reads fail rather than feeding a corrupt baseline to the delta
// engine.
var ErrIntegrity = errors.New("state: snapshot integrity check failed")

// ErrNoSnapshots is returned by Latest when the account has no history yet.
var ErrNoSnapshots = errors.New("state: no snapshots for account")

const (
	// DefaultRetentionDays bounds Prune when the caller passes zero.
	DefaultRetentionDays = 30

	stampLayout = "20060102T150405Z"
)

// Header describes a snapshot without its payload.
type Header struct {
	SchemaVersion   int       `json:"schema_version"`
	ProducerVersion string    `json:"producer_version"`
	SnapshotID      string    `json:"snapshot_id"`
	AccountID       string    `json:"account_id"`
	Regions         []string  `json:"regions,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ResourceCount   int       `json:"resource_count"`
}

// Snapshot is the persisted artifact. Checksum covers Resources only, so a
// header field added in a later schema does not invalidate old archives.
type Snapshot struct {
	Header    Header               `json:"header"`
	Resources []inventory.Resource `json:"resources"`
	Checksum  string               `json:"checksum"`
}

// Entry is one snapshot reference from List.
type Entry struct {
	Key        string    `json:"key"`
	SnapshotID string    `json:"snapshot_id"`
	AccountID  string    `json:"account_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store reads and writes snapshots through a blob backend, local disk or S3.
type Store struct {
	blob   storage.BlobStore
	logger *slog.Logger
	now    func() time.Time
}

// StoreOption adjusts store construction.
type StoreOption func(*Store)

// WithStoreLogger sets the logger for store events.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithClock fixes the timestamp source, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore wraps a blob backend.
func NewStore(blob storage.BlobStore, opts ...StoreOption) *Store {
	s := &Store{
		blob:   blob,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write persists one snapshot and returns it with the generated id and
// checksum filled in. Layout: <account_id>/<stamp>_<suffix>.json, so a
// lexical sort of keys is a chronological sort of snapshots.
func (s *Store) Write(ctx context.Context, accountID string, regions []string, resources []inventory.Resource) (*Snapshot, string, error) {
	if accountID == "" {
		return nil, "", fmt.Errorf("state: write requires an account id")
	}
	createdAt := s.now().UTC()
	snapshotID := fmt.Sprintf("%s_%s", createdAt.Format(stampLayout), uuid.NewString()[:8])

	sorted := make([]inventory.Resource, len(resources))
	copy(sorted, resources)
	SortForSnapshot(sorted)

	checksum, err := Checksum(sorted)
	if err != nil {
		return nil, "", err
	}

	snap := &Snapshot{
		Header: Header{
			SchemaVersion:   version.Schema,
			ProducerVersion: version.Current,
			SnapshotID:      snapshotID,
			AccountID:       accountID,
			Regions:         regions,
			CreatedAt:       createdAt,
			ResourceCount:   len(sorted),
		},
		Resources: sorted,
		Checksum:  checksum,
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("state: encode snapshot: %w", err)
	}

	key := accountID + "/" + snapshotID + ".json"
	if err := s.blob.Put(ctx, key, data); err != nil {
		return nil, "", fmt.Errorf("state: persist snapshot %s: %w", key, err)
	}
	s.logger.Info("snapshot written",
		slog.String("key", key),
		slog.String("account_id", accountID),
		slog.Int("resources", len(sorted)),
		slog.String("checksum", checksum[:12]),
	)
	return snap, key, nil
}

// Read loads a snapshot by key and verifies its checksum.
func (s *Store) Read(ctx context.Context, key string) (*Snapshot, error) {
	data, err := s.blob.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("state: read snapshot %s: %w", key, err)
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, key)
	}
	return snap, nil
}

// Decode parses a snapshot artifact and verifies its checksum. Callers with
// raw bytes, like the delta command diffing two files, use this directly.
func Decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("state: decode snapshot: %w", err)
	}
	recomputed, err := Checksum(snap.Resources)
	if err != nil {
		return nil, err
	}
	if recomputed != snap.Checksum {
		return nil, fmt.Errorf("%w: stored %s, recomputed %s", ErrIntegrity, snap.Checksum, recomputed)
	}
	return &snap, nil
}

// List enumerates snapshots for an account, optionally bounded by creation
// time. Zero bounds mean unbounded. Results are chronological.
func (s *Store) List(ctx context.Context, accountID string, from, to time.Time) ([]Entry, error) {
	prefix := ""
	if accountID != "" {
		prefix = accountID + "/"
	}
	keys, err := s.blob.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("state: list snapshots: %w", err)
	}
	var entries []Entry
	for _, key := range keys {
		entry, ok := parseKey(key)
		if !ok {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Latest returns the most recent snapshot for the account, fully verified.
func (s *Store) Latest(ctx context.Context, accountID string) (*Snapshot, string, error) {
	entries, err := s.List(ctx, accountID, time.Time{}, time.Time{})
	if err != nil {
		return nil, "", err
	}
	if len(entries) == 0 {
		return nil, "", fmt.Errorf("%w: %s", ErrNoSnapshots, accountID)
	}
	key := entries[len(entries)-1].Key
	snap, err := s.Read(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return snap, key, nil
}

// Prune deletes snapshots older than retentionDays. It only ever runs on
// explicit invocation; nothing in the pipeline calls it implicitly.
func (s *Store) Prune(ctx context.Context, accountID string, retentionDays int) ([]string, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)

	entries, err := s.List(ctx, accountID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, entry := range entries {
		if !entry.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.blob.Delete(ctx, entry.Key); err != nil {
			return removed, fmt.Errorf("state: prune %s: %w", entry.Key, err)
		}
		removed = append(removed, entry.Key)
	}
	if len(removed) > 0 {
		s.logger.Info("snapshots pruned",
			slog.Int("count", len(removed)),
			slog.Int("retention_days", retentionDays),
		)
	}
	return removed, nil
}

// parseKey extracts identity from "<account>/<stamp>_<suffix>.json".
func parseKey(key string) (Entry, bool) {
	if !strings.HasSuffix(key, ".json") {
		return Entry{}, false
	}
	trimmed := strings.TrimSuffix(key, ".json")
	slash := strings.LastIndex(trimmed, "/")
	if slash < 0 {
		return Entry{}, false
	}
	account := trimmed[:slash]
	id := trimmed[slash+1:]
	stamp, _, ok := strings.Cut(id, "_")
	if !ok {
		return Entry{}, false
	}
	createdAt, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Key: key, SnapshotID: id, AccountID: account, CreatedAt: createdAt}, true
}
