// Package buildsync turns a built app directory into the next release of its
// delta log and writes the files the runtime reads.
package buildsync

import (
	"github.com/ericselin/vworker/manifest"
	"github.com/rs/zerolog"
)

const (
	DefaultBatchCapacity = 25
	DefaultRetained      = 5
)

// BuildContext carries everything a build needs. It is passed by value
// through every stage and never modified after it is created.
type BuildContext struct {
	// Tag names the cache generations of the app.
	Tag string
	// DistDir is the directory holding the built app.
	DistDir string
	// OutDir receives the release files. Usually the same as DistDir.
	OutDir string
	// StatePath is where the manifest is kept between builds.
	StatePath     string
	BatchCapacity int
	Retained      int
	Overrides     manifest.Overrides
	// Classifiers are asked in order; the first one to answer decides.
	Classifiers []Classifier
	// Routes maps a route URL to the file that renders it.
	Routes      map[string]string
	Passthrough bool
	Logger      zerolog.Logger
}

// withDefaults fills unset layout values.
func (c BuildContext) withDefaults() BuildContext {
	if c.BatchCapacity <= 0 {
		c.BatchCapacity = DefaultBatchCapacity
	}
	if c.Retained <= 0 {
		c.Retained = DefaultRetained
	}
	if c.OutDir == "" {
		c.OutDir = c.DistDir
	}
	return c
}
