package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// SNAPSHOT SERVICE - Balance backup and restore
// =============================================================================

// SnapshotService captures every balance in a site and writes them back on
// restore. Restore touches balances only; the ledger is left as it is, so a
// restored site usually shows drift until reconciliation is run.
type SnapshotService struct {
	store  SnapshotStore
	audit  AuditLog
	now    func() time.Time
	logger zerolog.Logger
}

type RestoreResult struct {
	SnapshotID SnapshotID `json:"snapshot_id"`
	Restored   int        `json:"restored"`
}

func NewSnapshotService(store SnapshotStore, audit AuditLog, logger zerolog.Logger) *SnapshotService {
	return &SnapshotService{store: store, audit: audit, now: time.Now, logger: logger}
}

// CreateBackup captures the current balance of every student in the site.
func (s *SnapshotService) CreateBackup(ctx context.Context, siteID SiteID, name, description string, actor AdminID) (SnapshotID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidSnapshotName
	}

	entries, err := s.store.CaptureBalances(ctx, siteID)
	if err != nil {
		return "", fmt.Errorf("capturing balances: %w", err)
	}

	snap := Snapshot{
		ID:          SnapshotID(uuid.NewString()),
		SiteID:      siteID,
		Name:        name,
		Description: description,
		CreatedAt:   s.now().UTC(),
		CreatedBy:   actor,
		Entries:     entries,
		EntryCount:  len(entries),
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return "", fmt.Errorf("saving snapshot: %w", err)
	}

	s.logger.Info().
		Str("site_id", string(siteID)).
		Str("snapshot_id", string(snap.ID)).
		Int("entries", len(entries)).
		Msg("Snapshot created")
	appendAudit(ctx, s.audit, s.now, s.logger, AuditEntry{
		SiteID:  siteID,
		ActorID: actor,
		Action:  AuditSnapshotCreate,
		Target:  string(snap.ID),
		Payload: map[string]any{"name": name, "entries": len(entries)},
	})
	return snap.ID, nil
}

// Restore overwrites the balance of each student listed in the snapshot.
// Students absent from the snapshot keep their balance.
func (s *SnapshotService) Restore(ctx context.Context, siteID SiteID, id SnapshotID, actor AdminID) (RestoreResult, error) {
	snap, err := s.store.Snapshot(ctx, siteID, id)
	if err != nil {
		return RestoreResult{}, err
	}

	n, err := s.store.RestoreBalances(ctx, siteID, snap.Entries)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("restoring balances: %w", err)
	}

	s.logger.Warn().
		Str("site_id", string(siteID)).
		Str("snapshot_id", string(id)).
		Str("actor", string(actor)).
		Int("restored", n).
		Msg("Balances restored from snapshot")
	appendAudit(ctx, s.audit, s.now, s.logger, AuditEntry{
		SiteID:  siteID,
		ActorID: actor,
		Action:  AuditSnapshotRestore,
		Target:  string(id),
		Payload: map[string]any{"name": snap.Name, "restored": n},
	})
	return RestoreResult{SnapshotID: id, Restored: n}, nil
}

func (s *SnapshotService) Delete(ctx context.Context, siteID SiteID, id SnapshotID, actor AdminID) error {
	snap, err := s.store.Snapshot(ctx, siteID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSnapshot(ctx, siteID, id); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}

	appendAudit(ctx, s.audit, s.now, s.logger, AuditEntry{
		SiteID:  siteID,
		ActorID: actor,
		Action:  AuditSnapshotDelete,
		Target:  string(id),
		Payload: map[string]any{"name": snap.Name},
	})
	return nil
}

func (s *SnapshotService) List(ctx context.Context, siteID SiteID) ([]Snapshot, error) {
	return s.store.ListSnapshots(ctx, siteID)
}

func (s *SnapshotService) Get(ctx context.Context, siteID SiteID, id SnapshotID) (Snapshot, error) {
	return s.store.Snapshot(ctx, siteID, id)
}
