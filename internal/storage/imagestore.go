// Package storage provides the content-addressable page-image store.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ImageStore writes rendered page images to disk, keyed by document identity
// and page index. Writes are overwrite-safe so a re-run of the normalizer is
// idempotent.
type ImageStore struct {
	root string
}

// NewImageStore creates an image store rooted at dir.
func NewImageStore(dir string) (*ImageStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image store root: %w", err)
	}
	return &ImageStore{root: dir}, nil
}

// PagePath returns the location of a page image without writing it.
// Page indices are 1-based.
func (s *ImageStore) PagePath(docID string, page int) string {
	return filepath.Join(s.root, sanitizeID(docID), fmt.Sprintf("page-%04d.png", page))
}

// WritePage writes one page image, replacing any previous content at the
// same address. Returns the stored path.
func (s *ImageStore) WritePage(docID string, page int, data []byte) (string, error) {
	path := s.PagePath(docID, page)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create page directory: %w", err)
	}
	// Write to a temp file then rename so readers never see partial pages.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write page image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to finalize page image: %w", err)
	}
	return path, nil
}

// ReadPage returns the bytes of a stored page image.
func (s *ImageStore) ReadPage(docID string, page int) ([]byte, error) {
	return os.ReadFile(s.PagePath(docID, page))
}

// ListPages returns the stored page paths for a document in page order.
func (s *ImageStore) ListPages(docID string) ([]string, error) {
	dir := filepath.Join(s.root, sanitizeID(docID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".png" {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Remove deletes all stored pages for a document.
func (s *ImageStore) Remove(docID string) error {
	return os.RemoveAll(filepath.Join(s.root, sanitizeID(docID)))
}

// sanitizeID makes a document ID safe as a directory name.
// IDs contain hex and the "doc:" prefix; only the colon needs mapping.
func sanitizeID(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch r {
		case ':', '/', '\\':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// DiskUsageBytes returns the total size in bytes of the given paths.
// Each path may be a file or a directory (recursively summed).
// Missing or inaccessible paths are skipped (contribute 0); errors during walk are returned.
func DiskUsageBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		if info.IsDir() {
			n, err := dirSize(p)
			if err != nil {
				return 0, err
			}
			total += n
		} else {
			total += info.Size()
		}
	}
	return total, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info != nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
