package cron

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"salvage/internal/storage"
)

// Job names.
const (
	JobPruneJournal = "journal-prune"
	JobHostHealth   = "host-health"
)

// JournalPruner deletes old journal entries.
type JournalPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// KVStore is the key-value part of storage used by maintenance jobs.
type KVStore interface {
	KVSetMany(values map[string]string, ttl time.Duration) error
	KVCleanExpired() (int64, error)
}

// PruneJob deletes journal entries older than retention and expired KV rows.
func PruneJob(schedule string, journal JournalPruner, kv KVStore, retention time.Duration, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return Job{
		Name:     JobPruneJournal,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			var errs []error

			if retention > 0 {
				n, err := journal.Prune(ctx, now().Add(-retention))
				if err != nil {
					errs = append(errs, err)
				} else if n > 0 {
					log.Info().Int64("deleted", n).Dur("retention", retention).Msg("pruned recovery journal")
				}
			}

			if _, err := kv.KVCleanExpired(); err != nil {
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		},
	}
}

// HealthFunc checks the host and returns its version.
type HealthFunc func(ctx context.Context) (version string, err error)

// HealthJob records the host's health in the KV store. The entries expire
// after ttl so a stalled job does not leave a stale "healthy" behind.
func HealthJob(schedule string, check HealthFunc, kv KVStore, ttl time.Duration) Job {
	return Job{
		Name:     JobHostHealth,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			version, err := check(ctx)
			values := map[string]string{
				storage.KeyHostHealthy:   strconv.FormatBool(err == nil),
				storage.KeyHostCheckedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if version != "" {
				values[storage.KeyHostVersion] = version
			}
			if err != nil {
				log.Warn().Err(err).Msg("host health check failed")
			}
			return kv.KVSetMany(values, ttl)
		},
	}
}
