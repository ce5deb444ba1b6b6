package buildsync

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ericselin/vworker/manifest"
)

// Classifier decides the category of a file. It returns false when it has
// no opinion and the next classifier should be asked.
type Classifier func(f FileInfo, ctx BuildContext) (manifest.Category, bool)

type Rules []Rule

// Rule assigns a category to the files it matches.
// Empty match fields match everything.
type Rule struct {
	Prefix   string            `yaml:"prefix" mapstructure:"prefix"`
	Path     string            `yaml:"path" mapstructure:"path"`
	Suffix   string            `yaml:"suffix" mapstructure:"suffix"`
	Category manifest.Category `yaml:"category" mapstructure:"category"`
}

func (r Rule) matches(url string) bool {
	if r.Path != "" && r.Path != url {
		return false
	}
	if r.Prefix != "" && !strings.HasPrefix(url, r.Prefix) {
		return false
	}
	if r.Suffix != "" && !strings.HasSuffix(url, r.Suffix) {
		return false
	}
	return true
}

// Validate checks that every rule names a known category.
func (r Rules) Validate() error {
	for i, rule := range r {
		if _, err := manifest.ParseCategory(string(rule.Category)); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// Classifier returns a classifier answering with the category of the first
// matching rule.
func (r Rules) Classifier() Classifier {
	return func(f FileInfo, ctx BuildContext) (manifest.Category, bool) {
		for _, rule := range r {
			if rule.matches(f.URL) {
				ctx.Logger.Trace().Str("url", f.URL).Msgf("Matched rule %+v", rule)
				return rule.Category, true
			}
		}
		return "", false
	}
}

// Classify categorizes the scanned files and adds the routes.
// Files no classifier has an opinion on are pre-cached.
func Classify(ctx BuildContext, files []FileInfo) ([]FileRecord, error) {
	records := make([]FileRecord, 0, len(files)+len(ctx.Routes))
	for _, f := range files {
		category := manifest.PreCache
		for _, classify := range ctx.Classifiers {
			if c, ok := classify(f, ctx); ok {
				category = c
				break
			}
		}
		records = append(records, FileRecord{FileInfo: f, Category: category})
	}
	routes, err := routeRecords(ctx, files)
	if err != nil {
		return nil, err
	}
	// routes win over a file served at the same URL
	byURL := make(map[string]FileRecord, len(records)+len(routes))
	for _, rec := range records {
		byURL[rec.URL] = rec
	}
	for _, rec := range routes {
		byURL[rec.URL] = rec
	}
	merged := make([]FileRecord, 0, len(byURL))
	for _, rec := range byURL {
		merged = append(merged, rec)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].URL < merged[j].URL })
	return merged, nil
}

// ledger returns the hashes of every cached record.
func ledger(records []FileRecord) manifest.Ledger {
	l := make(manifest.Ledger, len(records))
	for _, rec := range records {
		if rec.Category.Cached() {
			l[rec.URL] = rec.Digest.String()
		}
	}
	return l
}
