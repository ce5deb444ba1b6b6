package manifest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Files published with every release, relative to the output root.
const (
	Dir          = "_vw"
	ManifestFile = "manifest.json"
	PointerFile  = "version.txt"
	ReleaseFile  = "release.json"
)

// BatchFile returns the file name of the batch with the given global index.
func BatchFile(index int) string {
	return "batch-" + strconv.Itoa(index) + ".txt"
}

// BatchURL returns the URL path the runtime fetches a batch from.
func BatchURL(index int) string {
	return "/" + Dir + "/" + BatchFile(index)
}

// PointerURL is the URL path of the current-version pointer.
const PointerURL = "/" + Dir + "/" + PointerFile

// ReleaseURL is the URL path of the release descriptor.
const ReleaseURL = "/" + Dir + "/" + ReleaseFile

// Release describes a release to the runtime: what to cache and how the
// delta batches of the release are laid out.
type Release struct {
	Tag           string              `json:"tag"`
	Version       int                 `json:"version"`
	BatchCapacity int                 `json:"batchCapacity"`
	BatchOffset   int                 `json:"batchOffset"`
	Files         map[string]Category `json:"files"`
	Routes        []string            `json:"routes"`
	Passthrough   bool                `json:"passthrough"`
}

// DecodeRelease reads a release descriptor.
func DecodeRelease(data []byte) (*Release, error) {
	r := &Release{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("read release: %v: %w", err, ErrMalformed)
	}
	if r.Version <= 0 || r.BatchCapacity <= 0 || r.BatchOffset < 0 || r.Tag == "" {
		return nil, fmt.Errorf("release %q v%d: %w", r.Tag, r.Version, ErrMalformed)
	}
	if r.Files == nil {
		r.Files = map[string]Category{}
	}
	return r, nil
}

// Encode returns the JSON form of the release.
func (r *Release) Encode() ([]byte, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// GenerationName returns the cache generation name of a release.
func GenerationName(tag string, version int) string {
	return tag + "-v" + strconv.Itoa(version)
}

// ParseGenerationName returns the version of a generation name created by
// GenerationName for the same tag.
func ParseGenerationName(tag, name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, tag+"-v")
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(rest)
	if err != nil || v <= 0 || strconv.Itoa(v) != rest {
		return 0, false
	}
	return v, true
}
