package space

import (
	"context"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/louisbranch/waypost/internal/version"
)

// waypostRequirement is the manifest entry naming the tracking client a
// space installs.
const waypostRequirement = "waypost"

// Provisioner keeps a space's dependency manifest aligned with the local
// release, so the space runs a client at least as new as what pushes to
// it.
type Provisioner struct {
	client *Client
}

// NewProvisioner creates a provisioner over the given space client.
func NewProvisioner(client *Client) *Provisioner {
	return &Provisioner{client: client}
}

// Status reports how the space manifest relates to the local release.
type Status struct {
	// Pinned is the waypost version the manifest pins, empty when the
	// requirement is missing.
	Pinned string
	// Current is the local release.
	Current string
	// Fresh reports whether the pin is at or ahead of the local release.
	Fresh     bool
	UpdatedAt time.Time
}

// Check reads the space manifest and compares its waypost pin to the
// local release.
func (p *Provisioner) Check(ctx context.Context) (Status, error) {
	remote, err := p.client.ReadManifest(ctx)
	if err != nil {
		return Status{}, err
	}
	return statusOf(remote), nil
}

// Repair rewrites a stale manifest with waypost pinned at the local
// release, keeping every other requirement. A fresh manifest is left
// untouched. The write is conditional on the read, so a concurrent
// editor wins and the caller can check again.
func (p *Provisioner) Repair(ctx context.Context) (Status, error) {
	remote, err := p.client.ReadManifest(ctx)
	if err != nil {
		return Status{}, err
	}
	status := statusOf(remote)
	if status.Fresh {
		return status, nil
	}

	pinned := remote.Parsed.Pin(waypostRequirement, version.Server)
	updatedAt, err := p.client.WriteManifest(ctx, pinned, remote.UpdatedAt)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Pinned:    version.Server,
		Current:   version.Server,
		Fresh:     true,
		UpdatedAt: updatedAt,
	}, nil
}

func statusOf(remote RemoteManifest) Status {
	pinned, _ := remote.Parsed.Get(waypostRequirement)
	return Status{
		Pinned:    pinned,
		Current:   version.Server,
		Fresh:     !isStalePin(pinned),
		UpdatedAt: remote.UpdatedAt,
	}
}

// isStalePin reports whether the pinned version needs an upgrade. A pin
// ahead of the local release is fresh; downgrading it would break newer
// trackers sharing the space.
func isStalePin(pinned string) bool {
	if pinned == "" {
		return true
	}
	parsed, err := semver.NewVersion(pinned)
	if err != nil {
		return true
	}
	return parsed.LessThan(semver.MustParse(version.Server))
}
