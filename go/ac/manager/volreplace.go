// Copyright 2012, Google Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manager

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cfkoehler/accumulo/go/ac/ample"
)

// VolumeReplacer rewrites file and log references from decommissioned
// volumes. Replacement is deferred until a tablet is unassigned or
// suspended with no operation; the watcher enforces that before
// calling Replace.
type VolumeReplacer struct {
	// Replacements maps an old volume prefix to its replacement.
	Replacements map[string]string
}

func (vr *VolumeReplacer) replacePath(p string) (string, bool) {
	for oldPrefix, newPrefix := range vr.Replacements {
		if strings.HasPrefix(p, oldPrefix) {
			return newPrefix + strings.TrimPrefix(p, oldPrefix), true
		}
	}
	return p, false
}

// NeedsReplacement reports whether any file or log path references a
// decommissioned volume.
func (vr *VolumeReplacer) NeedsReplacement(tm *ample.TabletMetadata) bool {
	for _, f := range tm.Files {
		if _, hit := vr.replacePath(f.Path); hit {
			return true
		}
	}
	for _, l := range tm.Logs {
		if _, hit := vr.replacePath(l.Path); hit {
			return true
		}
	}
	return false
}

// Replace rewrites the references in a single conditional mutation.
// The post-condition verifies removal of the old entries rather than
// presence of the new ones: a concurrent compaction may legitimately
// remove a new file before the check runs.
func (vr *VolumeReplacer) Replace(store ample.Ample, tm *ample.TabletMetadata) error {
	var oldFiles []string
	var oldLogs []ample.LogEntry
	mutator := store.ConditionallyMutateTablets()
	m := mutator.MutateTablet(tm.Extent).
		RequireAbsentOperation().
		RequireAbsentLocation().
		RequireSame(tm, ample.ColFiles, ample.ColLogs)
	for _, f := range tm.Files {
		if newPath, hit := vr.replacePath(f.Path); hit {
			oldFiles = append(oldFiles, f.Path)
			m.DeleteFile(f.Path)
			m.PutFile(ample.StoredFile{Path: newPath, Range: f.Range})
		}
	}
	for _, l := range tm.Logs {
		if newPath, hit := vr.replacePath(l.Path); hit {
			oldLogs = append(oldLogs, l)
			m.DeleteWal(l)
			m.PutWal(ample.LogEntry{Path: newPath, Server: l.Server})
		}
	}
	if len(oldFiles) == 0 && len(oldLogs) == 0 {
		return nil
	}
	m.Submit(func(r *ample.TabletMetadata) bool {
		for _, p := range oldFiles {
			for _, f := range r.Files {
				if f.Path == p {
					return false
				}
			}
		}
		for _, l := range oldLogs {
			for _, have := range r.Logs {
				if have == l {
					return false
				}
			}
		}
		return true
	}, "volume replacement")

	res := mutator.Process()[tm.Extent.MetaRow()]
	if res.Status != ample.StatusAccepted {
		return errors.Errorf("volume replacement of %v: %v", tm.Extent, res.Status)
	}
	log.Infof("manager: replaced %d file and %d log refs on %v", len(oldFiles), len(oldLogs), tm.Extent)
	return nil
}
