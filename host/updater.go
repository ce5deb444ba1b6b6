package host

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ericselin/vworker"
	"github.com/ericselin/vworker/manifest"
	"github.com/rs/zerolog"
)

// Installer installs releases, e.g. a vworker.Registration.
type Installer interface {
	Update(ctx context.Context, release *manifest.Release) error
}

// Updater polls the origin for new releases.
type Updater struct {
	Installer Installer
	Fetcher   vworker.Fetcher
	Interval  time.Duration
	Logger    zerolog.Logger

	// last version installed
	current int
}

// Check installs the release published on the origin, if it is new.
func (u *Updater) Check(ctx context.Context) error {
	data, err := u.get(ctx, manifest.PointerURL)
	if err != nil {
		return err
	}
	version, err := manifest.ParsePointer(data)
	if err != nil {
		return err
	}
	if version == u.current {
		u.Logger.Trace().Int("version", version).Msg("No new release")
		return nil
	}

	data, err = u.get(ctx, manifest.ReleaseURL)
	if err != nil {
		return err
	}
	release, err := manifest.DecodeRelease(data)
	if err != nil {
		return err
	}
	// the pointer is written last, so the release may already be newer
	if release.Version != version {
		u.Logger.Debug().Int("pointer", version).Int("release", release.Version).Msg("Release and pointer differ")
	}
	u.Logger.Info().Str("tag", release.Tag).Int("version", release.Version).Msg("Installing release")
	if err := u.Installer.Update(ctx, release); err != nil {
		return fmt.Errorf("install %d: %w", release.Version, err)
	}
	u.current = release.Version
	return nil
}

// Run checks for releases right away and then at every interval until the
// context is done. Failed checks are retried on the next tick.
func (u *Updater) Run(ctx context.Context) error {
	interval := u.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	u.Logger.Info().Msgf("Starting release update loop with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := u.Check(ctx); err != nil && ctx.Err() == nil {
			u.Logger.Error().Err(err).Msg("Could not update release")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (u *Updater) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	res, err := u.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d", path, res.StatusCode)
	}
	return io.ReadAll(res.Body)
}
