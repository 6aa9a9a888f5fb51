package storage

import (
	"io/fs"
	"os"
	"path/filepath"
)

// DataPaths locates the on-disk artifacts of one knowledge base.
type DataPaths struct {
	Database     string
	VectorIndex  string
	KeywordIndex string
	Uploads      string
}

// DiskUsage is the size in bytes of each artifact.
type DiskUsage struct {
	Database     int64 `json:"database"`
	VectorIndex  int64 `json:"vector_index"`
	KeywordIndex int64 `json:"keyword_index"`
	Uploads      int64 `json:"uploads"`
}

// Total sums every artifact.
func (u DiskUsage) Total() int64 {
	return u.Database + u.VectorIndex + u.KeywordIndex + u.Uploads
}

// MeasureDiskUsage sizes each artifact. The database includes its SQLite -wal and -shm
// companions. Missing artifacts count as zero.
func MeasureDiskUsage(p DataPaths) (DiskUsage, error) {
	var u DiskUsage
	var err error
	if p.Database != "" {
		if u.Database, err = pathSize(p.Database, p.Database+"-wal", p.Database+"-shm"); err != nil {
			return DiskUsage{}, err
		}
	}
	if u.VectorIndex, err = pathSize(p.VectorIndex); err != nil {
		return DiskUsage{}, err
	}
	if u.KeywordIndex, err = pathSize(p.KeywordIndex); err != nil {
		return DiskUsage{}, err
	}
	if u.Uploads, err = pathSize(p.Uploads); err != nil {
		return DiskUsage{}, err
	}
	return u, nil
}

// pathSize sums files and directory trees, skipping empty and missing paths.
func pathSize(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		err := filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return 0, err
		}
	}
	return total, nil
}
