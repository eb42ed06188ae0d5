package detector

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/EricMurray-e-m-dev/HostMonkey/internal/config"
	"github.com/EricMurray-e-m-dev/HostMonkey/internal/models"
)

type fileMeta struct {
	Size    int64
	ModTime int64 // unix nanoseconds
}

// fsState maps normalized absolute path -> last observed metadata.
type fsState map[string]fileMeta

// FileSystemDetector watches a set of root paths and reports files that
// appeared, changed size or mtime, or disappeared since the previous scan.
type FileSystemDetector struct {
	roots []string
}

// NewFileSystemDetector creates a detector over the given roots. Roots are
// normalized to absolute form so snapshots compare stably across scans.
func NewFileSystemDetector(roots []string) *FileSystemDetector {
	normalized := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			abs = filepath.Clean(r)
		}
		normalized = append(normalized, abs)
	}
	return &FileSystemDetector{roots: normalized}
}

func (d *FileSystemDetector) Name() string { return config.DetectorFileSystem }

// Scan walks every root, builds the current path -> (size, mtime) view, and
// diffs it against previous. A root that does not exist contributes no
// entries, so files previously seen under it surface as removed. A root that
// cannot be enumerated (permission error) fails the whole scan.
func (d *FileSystemDetector) Scan(ctx context.Context, previous State) ([]models.DetectionResult, State, error) {
	prev, _ := previous.(fsState)

	current := make(fsState)
	for _, root := range d.roots {
		if err := d.walkRoot(ctx, root, current); err != nil {
			return nil, nil, &ScanFailure{DetectorName: d.Name(), Err: err}
		}
	}

	results := d.diff(prev, current)
	return results, current, nil
}

func (d *FileSystemDetector) walkRoot(ctx context.Context, root string, current fsState) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		// ctx checkpoint between entries; a cancelled scan stops here.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			// Entry vanished between readdir and stat; the next scan
			// reports it as removed if it was known before.
			return nil
		}
		current[path] = fileMeta{Size: info.Size(), ModTime: info.ModTime().UnixNano()}
		return nil
	})
}

// diff emits created and modified events in sorted path order, then removed
// events in sorted path order. A file whose size and mtime both changed
// yields a single modified event.
func (d *FileSystemDetector) diff(prev, current fsState) []models.DetectionResult {
	var results []models.DetectionResult

	paths := make([]string, 0, len(current))
	for p := range current {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		meta := current[path]
		before, existed := prev[path]
		switch {
		case !existed:
			results = append(results, models.NewDetectionResult(d.Name(), models.EventCreated, path, fileDetails(meta)))
		case before != meta:
			results = append(results, models.NewDetectionResult(d.Name(), models.EventModified, path, fileDetails(meta)))
		}
	}

	var gone []string
	for p := range prev {
		if _, ok := current[p]; !ok {
			gone = append(gone, p)
		}
	}
	sort.Strings(gone)
	for _, path := range gone {
		results = append(results, models.NewDetectionResult(d.Name(), models.EventRemoved, path, fileDetails(prev[path])))
	}

	return results
}

func fileDetails(meta fileMeta) map[string]string {
	return map[string]string{
		"size":  strconv.FormatInt(meta.Size, 10),
		"mtime": time.Unix(0, meta.ModTime).UTC().Format(time.RFC3339Nano),
	}
}
