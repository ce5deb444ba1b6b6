package buildsync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ericselin/vworker/manifest"
)

// Result is the outcome of a build.
type Result struct {
	Previous *manifest.Manifest
	Next     *manifest.Manifest
	Record   manifest.DeltaRecord
	Release  *manifest.Release
	Files    []FileRecord
}

// LoadState reads the manifest of the previous build. A missing state file
// means the app has never been released.
func LoadState(ctx BuildContext) (*manifest.Manifest, error) {
	ctx = ctx.withDefaults()
	data, err := os.ReadFile(ctx.statePath())
	if errors.Is(err, fs.ErrNotExist) {
		ctx.Logger.Info().Str("state", ctx.statePath()).Msg("No previous manifest, starting from scratch")
		return manifest.New(ctx.Tag), nil
	}
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(data, ctx.Tag, ctx.BatchCapacity, ctx.Retained)
	if err != nil {
		return nil, fmt.Errorf("previous manifest %s: %w", ctx.statePath(), err)
	}
	return m, nil
}

// Plan computes the next release without writing anything.
func Plan(ctx BuildContext) (*Result, error) {
	ctx = ctx.withDefaults()
	if ctx.Tag == "" {
		return nil, errors.New("tag must be set")
	}
	prev, err := LoadState(ctx)
	if err != nil {
		return nil, err
	}
	files, err := Scan(ctx)
	if err != nil {
		return nil, err
	}
	records, err := Classify(ctx, files)
	if err != nil {
		return nil, err
	}
	next, rec, err := Synchronize(prev, ledger(records), ctx.Overrides, ctx.BatchCapacity, ctx.Retained)
	if err != nil {
		return nil, err
	}
	if next.Tag != ctx.Tag {
		ctx.Logger.Warn().Str("from", next.Tag).Str("to", ctx.Tag).Msg("Tag changed, devices will do a clean install")
		next.Tag = ctx.Tag
	}
	return &Result{
		Previous: prev,
		Next:     next,
		Record:   rec,
		Release:  release(ctx, next, records),
		Files:    records,
	}, nil
}

// Build computes the next release and persists it.
func Build(ctx BuildContext) (*Result, error) {
	ctx = ctx.withDefaults()
	res, err := Plan(ctx)
	if err != nil {
		return nil, err
	}
	if err := Persist(ctx, res); err != nil {
		return nil, err
	}
	ctx.Logger.Info().
		Int("version", res.Record.Version).
		Int("changed", len(res.Record.Changed)).
		Stringer("priority", res.Record.Priority).
		Msg("Release built")
	return res, nil
}

// Upgrade rewrites the state file in the current manifest format.
func Upgrade(ctx BuildContext) (*manifest.Manifest, error) {
	ctx = ctx.withDefaults()
	m, err := LoadState(ctx)
	if err != nil {
		return nil, err
	}
	data, err := m.Encode()
	if err != nil {
		return nil, err
	}
	if err := writeFile(ctx.statePath(), data); err != nil {
		return nil, err
	}
	return m, nil
}

func release(ctx BuildContext, m *manifest.Manifest, records []FileRecord) *manifest.Release {
	r := &manifest.Release{
		Tag:           m.Tag,
		Version:       m.Version,
		BatchCapacity: ctx.BatchCapacity,
		BatchOffset:   m.Offset(ctx.BatchCapacity),
		Files:         make(map[string]manifest.Category),
		Routes:        make([]string, 0),
		Passthrough:   ctx.Passthrough,
	}
	for _, rec := range records {
		if !rec.Category.Cached() {
			continue
		}
		r.Files[rec.URL] = rec.Category
		if rec.Route {
			r.Routes = append(r.Routes, rec.URL)
		}
	}
	return r
}

func (c BuildContext) statePath() string {
	if c.StatePath != "" {
		return c.StatePath
	}
	return filepath.Join(c.OutDir, manifest.Dir, manifest.ManifestFile)
}
