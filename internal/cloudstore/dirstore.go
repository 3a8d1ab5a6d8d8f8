package cloudstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	trashDirName    = ".Trash"
	versionsDirName = ".versions"

	// Placeholder files mark items the host has not materialized yet,
	// the way a mounted cloud container surfaces undownloaded content.
	placeholderPrefix = "."
	placeholderSuffix = ".icloud"
)

// DirStore is a Store over a cloud container mounted as a local directory.
// Trashed items live in a ".Trash" subdirectory, unresolved concurrent
// versions in ".versions/<name>/", and not-yet-downloaded items appear as
// ".<name>.icloud" placeholder files carrying the pending content.
type DirStore struct {
	fs   afero.Fs
	root string
}

var _ Store = (*DirStore)(nil)

func NewDirStore(fs afero.Fs, root string) *DirStore {
	return &DirStore{fs: fs, root: root}
}

func (d *DirStore) Capabilities() Capabilities {
	return Capabilities{
		CanEnumerateTrash:    true,
		CanEnumerateVersions: true,
	}
}

func (d *DirStore) Available(_ context.Context) bool {
	info, err := d.fs.Stat(d.root)
	return err == nil && info.IsDir()
}

func (d *DirStore) Root(ctx context.Context) (string, error) {
	if !d.Available(ctx) {
		return "", fmt.Errorf("%w: %s", ErrRootNotFound, d.root)
	}
	return d.root, nil
}

func (d *DirStore) List(ctx context.Context) ([]*Entry, error) {
	if !d.Available(ctx) {
		return nil, ErrUnavailable
	}

	infos, err := afero.ReadDir(d.fs, d.root)
	if err != nil {
		return nil, fmt.Errorf("list cloud dir: %w", err)
	}

	var entries []*Entry
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		name := info.Name()

		if placeholder, ok := placeholderTarget(name); ok {
			entries = append(entries, &Entry{
				Name:         placeholder,
				Size:         info.Size(),
				ModifiedAt:   info.ModTime(),
				Download:     NotDownloaded,
				HasConflicts: d.hasVersions(placeholder),
			})
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}

		entries = append(entries, &Entry{
			Name:         name,
			Size:         info.Size(),
			ModifiedAt:   info.ModTime(),
			Download:     Downloaded,
			HasConflicts: d.hasVersions(name),
		})
	}
	return entries, nil
}

func (d *DirStore) TrashEntries(_ context.Context) ([]*Entry, error) {
	infos, err := afero.ReadDir(d.fs, d.trashDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list trash: %w", err)
	}

	var entries []*Entry
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		entries = append(entries, &Entry{
			Name:       info.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			Removed:    true,
			Download:   Downloaded,
		})
	}
	return entries, nil
}

// StartDownload materializes a placeholder by renaming it to the real item
// name, keeping its modification time intact.
func (d *DirStore) StartDownload(_ context.Context, name string) error {
	placeholder := d.itemPath(placeholderName(name))
	info, err := d.fs.Stat(placeholder)
	if err != nil {
		if os.IsNotExist(err) {
			// already materialized, or never existed
			if exists, _ := afero.Exists(d.fs, d.itemPath(name)); exists {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("stat placeholder: %w", err)
	}

	if err := d.fs.Rename(placeholder, d.itemPath(name)); err != nil {
		return fmt.Errorf("materialize %s: %w", name, err)
	}
	return d.fs.Chtimes(d.itemPath(name), time.Now(), info.ModTime())
}

func (d *DirStore) Open(_ context.Context, name string) (io.ReadCloser, *Entry, error) {
	p := d.itemPath(name)
	info, err := d.fs.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			if exists, _ := afero.Exists(d.fs, d.itemPath(placeholderName(name))); exists {
				return nil, nil, fmt.Errorf("%w: %s", ErrNotMaterialized, name)
			}
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, nil, err
	}

	f, err := d.fs.Open(p)
	if err != nil {
		return nil, nil, err
	}
	return f, &Entry{
		Name:       name,
		Size:       info.Size(),
		ModifiedAt: info.ModTime(),
		Download:   Downloaded,
	}, nil
}

func (d *DirStore) Put(_ context.Context, name string, r io.Reader, modTime time.Time) error {
	p := d.itemPath(name)

	// temp-write then rename so a concurrent List never sees a torn item
	tmp := d.itemPath(fmt.Sprintf(".%s.marksync-tmp", name))
	f, err := d.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		d.fs.Remove(tmp)
		return fmt.Errorf("put %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		d.fs.Remove(tmp)
		return fmt.Errorf("put %s: %w", name, err)
	}

	if err := d.fs.Rename(tmp, p); err != nil {
		d.fs.Remove(tmp)
		return fmt.Errorf("put %s: %w", name, err)
	}

	// a fresh upload supersedes any stale placeholder
	d.fs.Remove(d.itemPath(placeholderName(name)))

	if !modTime.IsZero() {
		return d.fs.Chtimes(p, time.Now(), modTime)
	}
	return nil
}

// Trash moves the item into the trash directory, dropping any same-named
// entry already sitting there first.
func (d *DirStore) Trash(_ context.Context, name string) error {
	if err := d.fs.MkdirAll(d.trashDir(), 0o755); err != nil {
		return fmt.Errorf("ensure trash dir: %w", err)
	}

	trashed := path.Join(d.trashDir(), name)
	if exists, _ := afero.Exists(d.fs, trashed); exists {
		if err := d.fs.Remove(trashed); err != nil {
			return fmt.Errorf("drop stale trash entry %s: %w", name, err)
		}
		slog.Debug("cloudstore dropped stale trash entry", "name", name)
	}

	p := d.itemPath(name)
	if exists, _ := afero.Exists(d.fs, p); !exists {
		// trashing an absent item is a no-op
		return nil
	}

	if err := d.fs.Rename(p, trashed); err != nil {
		return fmt.Errorf("trash %s: %w", name, err)
	}
	return nil
}

func (d *DirStore) Versions(_ context.Context, name string) ([]*Version, error) {
	dir := d.versionsDir(name)
	infos, err := afero.ReadDir(d.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list versions for %s: %w", name, err)
	}

	var versions []*Version
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		versions = append(versions, &Version{
			ID:         info.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].ModifiedAt.Before(versions[j].ModifiedAt)
	})
	return versions, nil
}

// ResolveVersions promotes keepID to the item's sole content and removes the
// whole versions directory for the item.
func (d *DirStore) ResolveVersions(ctx context.Context, name string, keepID string) error {
	versionPath := path.Join(d.versionsDir(name), keepID)
	info, err := d.fs.Stat(versionPath)
	if err != nil {
		return fmt.Errorf("resolve versions for %s: %w", name, err)
	}

	f, err := d.fs.Open(versionPath)
	if err != nil {
		return fmt.Errorf("resolve versions for %s: %w", name, err)
	}
	err = d.Put(ctx, name, f, info.ModTime())
	f.Close()
	if err != nil {
		return err
	}

	if err := d.fs.RemoveAll(d.versionsDir(name)); err != nil {
		return fmt.Errorf("discard versions for %s: %w", name, err)
	}
	return nil
}

func (d *DirStore) hasVersions(name string) bool {
	infos, err := afero.ReadDir(d.fs, d.versionsDir(name))
	return err == nil && len(infos) > 0
}

func (d *DirStore) itemPath(name string) string {
	return path.Join(d.root, name)
}

func (d *DirStore) trashDir() string {
	return path.Join(d.root, trashDirName)
}

func (d *DirStore) versionsDir(name string) string {
	return path.Join(d.root, versionsDirName, name)
}

func placeholderName(name string) string {
	return placeholderPrefix + name + placeholderSuffix
}

// placeholderTarget returns the item name a placeholder file stands for.
func placeholderTarget(fileName string) (string, bool) {
	if !strings.HasPrefix(fileName, placeholderPrefix) || !strings.HasSuffix(fileName, placeholderSuffix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(fileName, placeholderPrefix), placeholderSuffix)
	if name == "" {
		return "", false
	}
	return name, true
}
