package buildsync

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ericselin/vworker/manifest"
)

// Persist writes the release files under the output dir and the manifest to
// the state path. The version pointer is written last, so a reader that sees
// the new version also sees its batches.
func Persist(ctx BuildContext, res *Result) error {
	ctx = ctx.withDefaults()
	dir := filepath.Join(ctx.OutDir, manifest.Dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	offset := res.Next.Offset(ctx.BatchCapacity)
	for i, batch := range res.Next.Versions {
		if err := writeFile(filepath.Join(dir, manifest.BatchFile(offset+i)), manifest.EncodeBatch(batch)); err != nil {
			return err
		}
	}
	if err := pruneBatches(ctx, dir, offset); err != nil {
		return err
	}
	data, err := res.Next.Encode()
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, manifest.ManifestFile), data); err != nil {
		return err
	}
	if state := ctx.statePath(); state != filepath.Join(dir, manifest.ManifestFile) {
		if err := writeFile(state, data); err != nil {
			return err
		}
	}
	rel, err := res.Release.Encode()
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, manifest.ReleaseFile), rel); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, manifest.PointerFile), manifest.FormatPointer(res.Next.Version))
}

// pruneBatches removes batch files evicted from the log.
func pruneBatches(ctx BuildContext, dir string, offset int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "batch-") || !strings.HasSuffix(name, ".txt") {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "batch-"), ".txt"))
		if err != nil || index >= offset {
			continue
		}
		ctx.Logger.Debug().Str("file", name).Msg("Removing evicted batch")
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(name string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}
