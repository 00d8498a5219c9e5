package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rudderlabs/rudder-go-kit/cachettl"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	kitsync "github.com/rudderlabs/rudder-go-kit/sync"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"
	"github.com/tidwall/gjson"

	"github.com/statlake/statlake-server/client/types"
)

// Synchronizer performs idempotent upserts of validated datasets across the
// metadata store and the analytics store. The two writes form one logical
// unit: metadata is written inside an open transaction, the analytics load
// runs, and the metadata transaction commits only afterwards.
type Synchronizer struct {
	metadata  *MetadataRepo
	analytics *AnalyticsRepo
	hashCache *cachettl.Cache[string, string]
	idLock    *kitsync.PartitionLocker

	log          logger.Logger
	statsFactory stats.Stats
	now          func() time.Time
	newRunID     func() string

	config struct {
		cacheTTL time.Duration
	}
}

type Opt func(*Synchronizer)

func WithNow(now func() time.Time) Opt {
	return func(s *Synchronizer) {
		s.now = now
	}
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, metadataDB, analyticsDB *sql.DB, opts ...Opt) *Synchronizer {
	s := &Synchronizer{
		metadata:     NewMetadataRepo(metadataDB),
		analytics:    NewAnalyticsRepo(analyticsDB),
		hashCache:    cachettl.New[string, string](cachettl.WithNoRefreshTTL),
		idLock:       kitsync.NewPartitionLocker(),
		log:          log.Child("repository"),
		statsFactory: statsFactory,
		now:          time.Now,
		newRunID:     func() string { return uuid.New().String() },
	}
	s.config.cacheTTL = conf.GetDuration("StatAPI.Repository.hashCacheTTL", 10, time.Minute)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Setup creates both store schemas. Idempotent.
func (s *Synchronizer) Setup(ctx context.Context) error {
	if err := s.metadata.Setup(ctx); err != nil {
		return err
	}
	return s.analytics.Setup(ctx)
}

// Metadata exposes the metadata store's read surface (existence checks) to
// collaborators.
func (s *Synchronizer) Metadata() *MetadataRepo {
	return s.metadata
}

// Sync upserts one dataset. Re-syncing unchanged content yields a
// skipped-duplicate outcome without touching either store. Concurrent syncs
// of the same identifier serialize: one goroutine at a time holds the
// identifier partition, and the stored version is read under a row lock
// inside the metadata transaction, so two racers can never commit the same
// version with different content.
func (s *Synchronizer) Sync(ctx context.Context, identifier string, payload []byte) types.SyncOutcome {
	if len(payload) == 0 {
		return s.failed(identifier, "nothing to sync: empty payload")
	}

	sum := sha256.Sum256(payload)
	contentHash := hex.EncodeToString(sum[:])

	if s.hashCache.Get(identifier) == contentHash {
		return s.skipped(identifier)
	}

	// only one goroutine can sync a given identifier at a time
	s.idLock.Lock(identifier)
	defer s.idLock.Unlock(identifier)

	observations, ok := parseObservations(payload)
	if !ok {
		return s.failed(identifier, "payload has no parseable observations")
	}

	tx, err := s.metadata.Begin(ctx)
	if err != nil {
		return s.failed(identifier, fmt.Sprintf("beginning metadata transaction: %v", err))
	}
	storedHash, storedVersion, err := s.metadata.GetTx(ctx, tx, identifier)
	if err != nil {
		_ = tx.Rollback()
		return s.failed(identifier, fmt.Sprintf("reading metadata store: %v", err))
	}
	if storedHash == contentHash {
		_ = tx.Rollback()
		s.hashCache.Put(identifier, contentHash, s.config.cacheTTL)
		return s.skipped(identifier)
	}

	version := storedVersion + 1
	syncedAt := s.now()
	record := DatasetRecord{
		DatasetID:        identifier,
		ContentHash:      contentHash,
		Version:          version,
		ObservationCount: len(observations),
		SyncRunID:        s.newRunID(),
		UpdatedAt:        syncedAt,
	}
	if err := s.metadata.UpsertTx(ctx, tx, record); err != nil {
		_ = tx.Rollback()
		return s.failed(identifier, err.Error())
	}

	if err := s.analytics.Load(ctx, identifier, version, syncedAt, observations); err != nil {
		// The metadata write has not committed: roll it back so the stores
		// keep pointing at the same version.
		_ = tx.Rollback()
		s.log.Errorn("analytics load failed, metadata rolled back",
			logger.NewStringField("identifier", identifier),
			obskit.Error(err),
		)
		return s.failed(identifier, fmt.Sprintf("analytics store: %v", err))
	}
	if err := s.analytics.DeleteSuperseded(ctx, identifier, version); err != nil {
		_ = tx.Rollback()
		return s.failed(identifier, fmt.Sprintf("sync inconsistency: analytics holds version %d but superseded versions remain: %v", version, err))
	}

	if err := tx.Commit(); err != nil {
		// Partial write: the analytics store accepted the version but the
		// metadata commit failed. Surfaced, never retried automatically; the
		// next successful sync supersedes the orphaned analytics version.
		return s.failed(identifier, fmt.Sprintf("sync inconsistency: metadata commit failed after analytics write: %v", err))
	}

	s.hashCache.Put(identifier, contentHash, s.config.cacheTTL)
	s.statsFactory.NewTaggedStat("repository_sync_outcomes", stats.CountType, stats.Tags{"status": string(types.SyncStatusSynced)}).Increment()
	s.log.Infon("dataset synced",
		logger.NewStringField("identifier", identifier),
		logger.NewIntField("version", version),
		logger.NewIntField("records", int64(len(observations))),
	)
	return types.SyncOutcome{
		Identifier:    identifier,
		RecordsSynced: len(observations),
		Status:        types.SyncStatusSynced,
	}
}

func (s *Synchronizer) skipped(identifier string) types.SyncOutcome {
	s.statsFactory.NewTaggedStat("repository_sync_outcomes", stats.CountType, stats.Tags{"status": string(types.SyncStatusSkippedDuplicate)}).Increment()
	return types.SyncOutcome{
		Identifier: identifier,
		Status:     types.SyncStatusSkippedDuplicate,
	}
}

func (s *Synchronizer) failed(identifier, message string) types.SyncOutcome {
	s.statsFactory.NewTaggedStat("repository_sync_outcomes", stats.CountType, stats.Tags{"status": string(types.SyncStatusFailed)}).Increment()
	return types.SyncOutcome{
		Identifier: identifier,
		Status:     types.SyncStatusFailed,
		Message:    message,
	}
}

func parseObservations(payload []byte) ([]Observation, bool) {
	if !gjson.ValidBytes(payload) {
		return nil, false
	}
	raw := gjson.GetBytes(payload, "observations")
	if !raw.IsArray() {
		return nil, false
	}
	var observations []Observation
	for _, obs := range raw.Array() {
		observations = append(observations, Observation{
			Key:    obs.Get("key").String(),
			Period: obs.Get("period").String(),
			Value:  obs.Get("value").Float(),
		})
	}
	if len(observations) == 0 {
		return nil, false
	}
	return observations, true
}
