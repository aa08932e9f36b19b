package server

import (
	"context"

	"salvage/internal/gateway/handlers"
	"salvage/internal/recovery"
	"salvage/internal/storage"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
)

// kvLister is the read side of the KV store.
type kvLister interface {
	KVList(prefix string) (map[string]string, error)
}

// healthSource reports recovery load and the last host check written by
// the host-health job.
type healthSource struct {
	store *recovery.Store
	kv    kvLister
}

var _ handlers.HealthSource = (*healthSource)(nil)

func (h *healthSource) SessionsInRecovery() int {
	return h.store.Len()
}

func (h *healthSource) HostStatus(_ context.Context) (handlers.HostStatus, bool) {
	if h.kv == nil {
		return handlers.HostStatus{}, false
	}
	values, err := h.kv.KVList("host.")
	if err != nil {
		log.Warn().Err(err).Msg("failed to read host status")
		return handlers.HostStatus{}, false
	}

	raw, ok := values[storage.KeyHostHealthy]
	if !ok {
		return handlers.HostStatus{}, false
	}
	healthy, err := cast.ToBoolE(raw)
	if err != nil {
		return handlers.HostStatus{}, false
	}

	status := handlers.HostStatus{
		Healthy: healthy,
		Version: values[storage.KeyHostVersion],
	}
	if at, err := cast.ToTimeE(values[storage.KeyHostCheckedAt]); err == nil {
		status.CheckedAt = at
	}
	return status, true
}
