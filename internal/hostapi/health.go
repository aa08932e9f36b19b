package hostapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Masterminds/semver/v3"
)

// Health is the host's self-reported status.
type Health struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// Health fetches the host's status.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "", "/global/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// CheckCompatibility verifies the host is healthy and at least minVersion.
// An empty minVersion skips the version check.
func (c *Client) CheckCompatibility(ctx context.Context, minVersion string) (*Health, error) {
	h, err := c.Health(ctx)
	if err != nil {
		return nil, err
	}
	if !h.Healthy {
		return h, ErrUnhealthy
	}
	if minVersion == "" {
		return h, nil
	}

	ok, err := VersionSatisfies(h.Version, minVersion)
	if err != nil {
		return h, err
	}
	if !ok {
		return h, fmt.Errorf("%w: %s < %s", ErrIncompatibleHost, h.Version, minVersion)
	}
	return h, nil
}

// VersionSatisfies reports whether version >= minVersion.
func VersionSatisfies(version, minVersion string) (bool, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("parse host version %q: %w", version, err)
	}
	constraint, err := semver.NewConstraint(">= " + minVersion)
	if err != nil {
		return false, fmt.Errorf("parse minimum version %q: %w", minVersion, err)
	}
	return constraint.Check(v), nil
}
