package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StagedImage is one local image queued for the attach-and-send flow.
type StagedImage struct {
	ID   string // uuid, stable for unstage/retry bookkeeping
	Name string
	Path string
	Size int64
}

// FileItem is a browsable filesystem entry in the picker.
type FileItem struct {
	Name  string
	Path  string
	IsDir bool
	Size  int64
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

func isImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// ImagePicker is the image-selection provider: it browses the local
// filesystem for images and holds the staged set until sending.
type ImagePicker struct {
	mu     sync.Mutex
	staged []StagedImage
}

func NewImagePicker() *ImagePicker {
	return &ImagePicker{}
}

// BrowseDirectory lists directories and image files under path, directories
// first, hidden entries skipped.
func (p *ImagePicker) BrowseDirectory(path string) ([]FileItem, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	items := make([]FileItem, 0, len(entries)+1)
	if path != "/" && path != "." {
		items = append(items, FileItem{Name: "..", Path: filepath.Dir(path), IsDir: true})
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !entry.IsDir() && !isImageFile(entry.Name()) {
			continue
		}
		item := FileItem{
			Name:  entry.Name(),
			Path:  filepath.Join(path, entry.Name()),
			IsDir: entry.IsDir(),
		}
		if !entry.IsDir() {
			if info, err := entry.Info(); err == nil {
				item.Size = info.Size()
			}
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

// Stage adds a local image to the pending attachment set.
func (p *ImagePicker) Stage(path string) (StagedImage, error) {
	info, err := os.Stat(path)
	if err != nil {
		return StagedImage{}, err
	}
	if info.IsDir() || !isImageFile(path) {
		return StagedImage{}, fmt.Errorf("not an image file: %s", path)
	}

	img := StagedImage{
		ID:   uuid.NewString(),
		Name: filepath.Base(path),
		Path: path,
		Size: info.Size(),
	}
	p.mu.Lock()
	p.staged = append(p.staged, img)
	p.mu.Unlock()
	return img, nil
}

// Unstage removes one staged image by id.
func (p *ImagePicker) Unstage(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, img := range p.staged {
		if img.ID == id {
			p.staged = append(p.staged[:i], p.staged[i+1:]...)
			return
		}
	}
}

// Staged returns a copy of the pending attachment set.
func (p *ImagePicker) Staged() []StagedImage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StagedImage, len(p.staged))
	copy(out, p.staged)
	return out
}

// ClearStaged empties the pending attachment set.
func (p *ImagePicker) ClearStaged() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staged = nil
}

// DefaultBrowsePath returns a sensible starting directory for the picker.
func DefaultBrowsePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		picturesPath := filepath.Join(home, "Pictures")
		if _, err := os.Stat(picturesPath); err == nil {
			return picturesPath
		}
		downloadsPath := filepath.Join(home, "Downloads")
		if _, err := os.Stat(downloadsPath); err == nil {
			return downloadsPath
		}
		return home
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// FormatFileSize returns a human-readable file size for the picker list.
func FormatFileSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
