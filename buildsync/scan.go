package buildsync

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/ericselin/vworker/manifest"
	"github.com/opencontainers/go-digest"
)

// FileInfo is a file of the built app.
type FileInfo struct {
	// URL is the path the file is served at.
	URL string
	// Rel is the slash-separated path relative to the dist dir.
	Rel    string
	Size   int64
	Digest digest.Digest
	// Route is set for records added from the route map.
	Route bool
}

// FileRecord is a classified file.
type FileRecord struct {
	FileInfo
	Category manifest.Category
}

// Scan walks the dist dir and hashes every regular file.
// The release files directory is skipped.
func Scan(ctx BuildContext) ([]FileInfo, error) {
	files := make([]FileInfo, 0)
	err := filepath.WalkDir(ctx.DistDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(ctx.DistDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == manifest.Dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		dgst, err := hashFile(p)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			URL:    "/" + rel,
			Rel:    rel,
			Size:   info.Size(),
			Digest: dgst,
		})
		ctx.Logger.Trace().Str("url", "/"+rel).Str("digest", dgst.String()).Msg("Scanned file")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", ctx.DistDir, err)
	}
	return files, nil
}

func hashFile(p string) (digest.Digest, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.Canonical.FromReader(f)
}

// routeRecords returns a record per route. A route shares the hash of the
// file rendering it, so the route changes whenever that file does.
func routeRecords(ctx BuildContext, files []FileInfo) ([]FileRecord, error) {
	byRel := make(map[string]FileInfo, len(files))
	for _, f := range files {
		byRel[f.Rel] = f
	}
	urls := make([]string, 0, len(ctx.Routes))
	for url := range ctx.Routes {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	records := make([]FileRecord, 0, len(urls))
	for _, url := range urls {
		rel := path.Clean(ctx.Routes[url])
		f, ok := byRel[rel]
		if !ok {
			return nil, fmt.Errorf("route %s: file %s not found in build", url, rel)
		}
		records = append(records, FileRecord{
			FileInfo: FileInfo{URL: url, Rel: rel, Size: f.Size, Digest: f.Digest, Route: true},
			Category: manifest.PreCache,
		})
	}
	return records, nil
}
