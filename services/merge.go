package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"rental_dedupe/metrics"
	"rental_dedupe/models"
	"rental_dedupe/storage"
)

var (
	// ErrRecordNotFound is returned when a merge or update target does not
	// exist or has been soft-deleted.
	ErrRecordNotFound = errors.New("record not found")
	// ErrInvalidMerge is returned for merges that name no record to absorb
	// or ask a record to absorb itself.
	ErrInvalidMerge = errors.New("invalid merge")
)

// Merged field names recorded in merge history
const (
	fieldTitle       = "title"
	fieldDescription = "description"
	fieldPrice       = "price"
	fieldCurrency    = "currency"
	fieldLocation    = "location"
	fieldPhone       = "phone"
	fieldImages      = "images"
)

// MergeService folds duplicates into their master record. Every merge runs
// in one transaction and writes exactly one history entry.
type MergeService struct {
	store  storage.Store
	match  *MatchService
	logger *zap.Logger
	now    func() time.Time
}

// NewMergeService creates a new MergeService
func NewMergeService(store storage.Store, match *MatchService, logger *zap.Logger) *MergeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MergeService{
		store:  store,
		match:  match,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// MergeInto merges a candidate that never became a record into masterID.
// A master that is itself a duplicate is resolved to its own master.
func (m *MergeService) MergeInto(ctx context.Context, masterID uuid.UUID, c *models.ListingCandidate, reason string) (*models.MergeHistoryEntry, error) {
	return m.mergePrepared(ctx, masterID, m.match.Prepare(c), reason)
}

func (m *MergeService) mergePrepared(ctx context.Context, masterID uuid.UUID, p *PreparedCandidate, reason string) (*models.MergeHistoryEntry, error) {
	// hash before taking row locks
	images := m.match.Images(ctx, p)

	var entry *models.MergeHistoryEntry
	err := m.store.WithTx(ctx, func(q storage.Queries) error {
		var err error
		entry, err = m.mergeCandidateTx(ctx, q, masterID, p.ListingCandidate, images, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.MergesTotal.WithLabelValues(reason).Inc()
	m.logger.Info("candidate merged",
		zap.String("master_id", entry.MasterRecordID.String()),
		zap.String("source", p.SourcePlatform+"/"+p.SourceID),
		zap.Strings("fields", entry.MergedFields),
		zap.String("reason", reason),
	)
	return entry, nil
}

// MergeRecords makes keepID the master of every record in absorbIDs. Their
// images are copied to the master, and their own duplicates are re-pointed
// to it. Absorbed records already pointing at keepID are skipped.
func (m *MergeService) MergeRecords(ctx context.Context, keepID uuid.UUID, absorbIDs []uuid.UUID, reason string) ([]*models.MergeHistoryEntry, error) {
	return m.mergeRecords(ctx, keepID, absorbIDs, nil, reason)
}

func (m *MergeService) mergeRecords(ctx context.Context, keepID uuid.UUID, absorbIDs []uuid.UUID, score *float64, reason string) ([]*models.MergeHistoryEntry, error) {
	if len(absorbIDs) == 0 || slices.Contains(absorbIDs, keepID) {
		return nil, ErrInvalidMerge
	}

	var entries []*models.MergeHistoryEntry
	err := m.store.WithTx(ctx, func(q storage.Queries) error {
		entries = nil
		keep, err := m.loadKeep(ctx, q, keepID)
		if err != nil {
			return err
		}
		for _, id := range absorbIDs {
			entry, err := m.absorbRecordTx(ctx, q, keep, id, score, reason)
			if err != nil {
				return err
			}
			if entry != nil {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.MergesTotal.WithLabelValues(reason).Add(float64(len(entries)))
	m.logger.Info("records merged",
		zap.String("master_id", keepID.String()),
		zap.Int("absorbed", len(entries)),
		zap.String("reason", reason),
	)
	return entries, nil
}

// loadMaster locks the merge target, following a duplicate to its master
func (m *MergeService) loadMaster(ctx context.Context, q storage.Queries, id uuid.UUID) (*models.Record, error) {
	master, err := lockRecord(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if master.DuplicateStatus == models.StatusDuplicate && master.MasterRecordID != nil {
		return lockRecord(ctx, q, *master.MasterRecordID)
	}
	return master, nil
}

// loadKeep locks a record chosen by an operator to survive. A duplicate is
// detached from its old master so the choice is honored.
func (m *MergeService) loadKeep(ctx context.Context, q storage.Queries, id uuid.UUID) (*models.Record, error) {
	keep, err := lockRecord(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if keep.DuplicateStatus == models.StatusDuplicate {
		keep.DuplicateStatus = models.StatusMaster
		keep.MasterRecordID = nil
		keep.DuplicateScore = nil
		keep.UpdatedAt = m.now()
		if err := q.UpdateRecord(ctx, keep); err != nil {
			return nil, fmt.Errorf("detach %s: %w", id, err)
		}
	}
	return keep, nil
}

func lockRecord(ctx context.Context, q storage.Queries, id uuid.UUID) (*models.Record, error) {
	rec, err := q.GetRecordForUpdate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}
	if rec == nil || rec.IsDeleted() {
		return nil, fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
	}
	return rec, nil
}

func (m *MergeService) mergeCandidateTx(ctx context.Context, q storage.Queries, masterID uuid.UUID, c *models.ListingCandidate, images []IncomingImage, reason string) (*models.MergeHistoryEntry, error) {
	master, err := m.loadMaster(ctx, q, masterID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	entry := newHistoryEntry(master.ID, reason, now)
	entry.AbsorbedSourcePlatform = c.SourcePlatform
	entry.AbsorbedSourceID = c.SourceID

	mergeFields(master, c, normalizedPhone(c.Phone), entry)
	master.LastSeenAt = latest(now, master.FirstSeenAt)

	added := appendImages(master.ID, master.Images, images, now)
	if len(added) > 0 {
		entry.PreviousValues[fieldImages] = len(master.Images)
		entry.MergedFields = append(entry.MergedFields, fieldImages)
	}

	if err := m.saveMaster(ctx, q, master, now); err != nil {
		return nil, err
	}
	if err := q.InsertImages(ctx, added); err != nil {
		return nil, fmt.Errorf("merge images: %w", err)
	}
	if err := q.InsertMergeHistory(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// absorbRecordTx marks absorbedID a duplicate of keep. keep must already be
// locked and is updated in place so consecutive absorptions see each other.
func (m *MergeService) absorbRecordTx(ctx context.Context, q storage.Queries, keep *models.Record, absorbedID uuid.UUID, score *float64, reason string) (*models.MergeHistoryEntry, error) {
	absorbed, err := lockRecord(ctx, q, absorbedID)
	if err != nil {
		return nil, err
	}
	if absorbed.ID == keep.ID {
		return nil, nil
	}
	if absorbed.DuplicateStatus == models.StatusDuplicate && absorbed.MasterRecordID != nil && *absorbed.MasterRecordID == keep.ID {
		return nil, nil
	}

	now := m.now()
	entry := newHistoryEntry(keep.ID, reason, now)
	entry.AbsorbedRecordID = &absorbed.ID
	entry.AbsorbedSourcePlatform = absorbed.SourcePlatform
	entry.AbsorbedSourceID = absorbed.SourceID

	mergeFields(keep, models.CandidateFromRecord(absorbed), absorbed.PhoneNormalized, entry)
	keep.LastSeenAt = latest(keep.LastSeenAt, absorbed.LastSeenAt)

	added := appendImages(keep.ID, keep.Images, storedImages(absorbed.Images), now)
	if len(added) > 0 {
		entry.PreviousValues[fieldImages] = len(keep.Images)
		entry.MergedFields = append(entry.MergedFields, fieldImages)
	}

	// the master is written first so re-pointed rows never reference a duplicate
	if err := m.saveMaster(ctx, q, keep, now); err != nil {
		return nil, err
	}

	absorbed.DuplicateStatus = models.StatusDuplicate
	absorbed.MasterRecordID = &keep.ID
	absorbed.DuplicateScore = score
	absorbed.UpdatedAt = now
	if err := q.UpdateRecord(ctx, absorbed); err != nil {
		return nil, fmt.Errorf("mark duplicate: %w", err)
	}

	moved, err := q.ReassignDuplicates(ctx, absorbed.ID, keep.ID)
	if err != nil {
		return nil, err
	}
	if moved > 0 {
		m.logger.Debug("duplicates re-pointed",
			zap.String("from", absorbed.ID.String()),
			zap.String("to", keep.ID.String()),
			zap.Int64("count", moved),
		)
	}

	if err := q.InsertImages(ctx, added); err != nil {
		return nil, fmt.Errorf("merge images: %w", err)
	}
	keep.Images = append(keep.Images, added...)

	if err := q.InsertMergeHistory(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (m *MergeService) saveMaster(ctx context.Context, q storage.Queries, master *models.Record, now time.Time) error {
	if master.DuplicateStatus != models.StatusMaster {
		master.DuplicateStatus = models.StatusMaster
		master.MasterRecordID = nil
		master.DuplicateScore = nil
	}
	master.UpdatedAt = now
	if err := q.UpdateRecord(ctx, master); err != nil {
		return fmt.Errorf("update master: %w", err)
	}
	return nil
}

// mergeFields applies the field rules to master and records what changed.
// Longer title and description win, a new price always wins, and phone and
// location only fill gaps.
func mergeFields(master *models.Record, c *models.ListingCandidate, phoneNormalized string, entry *models.MergeHistoryEntry) {
	changed := func(field string, previous any) {
		entry.MergedFields = append(entry.MergedFields, field)
		entry.PreviousValues[field] = previous
	}

	if c.Title != "" && utf8.RuneCountInString(c.Title) > utf8.RuneCountInString(master.Title) {
		changed(fieldTitle, master.Title)
		master.Title = c.Title
	}

	if c.Description != "" && utf8.RuneCountInString(c.Description) > utf8.RuneCountInString(master.Description) {
		changed(fieldDescription, master.Description)
		master.Description = c.Description
	}

	if c.Price != nil && *c.Price > 0 && (master.Price == nil || *master.Price != *c.Price) {
		var previous any
		if master.Price != nil {
			previous = *master.Price
		}
		changed(fieldPrice, previous)
		price := *c.Price
		master.Price = &price
		if c.Currency != "" && models.NormalizeCurrency(c.Currency) != master.Currency {
			changed(fieldCurrency, master.Currency)
			master.Currency = models.NormalizeCurrency(c.Currency)
		}
	}

	if c.Location != nil && master.Location == nil {
		changed(fieldLocation, nil)
		loc := *c.Location
		master.Location = &loc
	}

	if c.Phone != "" && master.PhoneNormalized == "" {
		changed(fieldPhone, master.PhoneOriginal)
		master.PhoneOriginal = c.Phone
		master.PhoneNormalized = phoneNormalized
	}
}

func newHistoryEntry(masterID uuid.UUID, reason string, now time.Time) *models.MergeHistoryEntry {
	return &models.MergeHistoryEntry{
		ID:             uuid.New(),
		MasterRecordID: masterID,
		MergedFields:   []string{},
		PreviousValues: map[string]any{},
		Reason:         reason,
		MergedAt:       now,
	}
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
