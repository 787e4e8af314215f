package observers

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// RetentionPolicy bounds the session timelines kept in an artifacts dir.
// Zero values disable the matching rule.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxFiles int
}

func (p RetentionPolicy) Enabled() bool {
	return p.MaxAge > 0 || p.MaxFiles > 0
}

type timelineFile struct {
	path    string
	modTime time.Time
}

// Purge removes timelines older than MaxAge, then the oldest ones beyond
// MaxFiles. Only .jsonl files are considered. Returns the deleted count.
func (p RetentionPolicy) Purge(dir string, now time.Time) (int, error) {
	if dir == "" || !p.Enabled() {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var errs error
	files := make([]timelineFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		files = append(files, timelineFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	// newest first
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	var removed int
	cutoff := now.Add(-p.MaxAge)
	for i, f := range files {
		expired := p.MaxAge > 0 && !f.modTime.After(cutoff)
		overflow := p.MaxFiles > 0 && i >= p.MaxFiles
		if !expired && !overflow {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

// PurgeArtifacts removes session timelines in dir older than maxAge.
func PurgeArtifacts(dir string, maxAge time.Duration) (int, error) {
	return RetentionPolicy{MaxAge: maxAge}.Purge(dir, time.Now())
}
