package plugin

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

const (
	// BundleExt is the archive extension picked up from the plugin root.
	BundleExt = ".zip"

	backupMarker  = ".bak-"
	backupLayout  = "20060102-150405"
	stagingPrefix = ".staging-"
)

// StagedBundle records one archive turned into a plugin directory.
type StagedBundle struct {
	Archive string `json:"archive"`
	Dir     string `json:"dir"`
	Backup  string `json:"backup,omitempty"`
}

// StageBundles extracts every archive in the plugin root. Each archive must
// hold exactly one top-level directory. An existing directory of that name is
// renamed aside with a timestamp suffix; the consumed archive is deleted.
// Invalid archives are left untouched and reported as *InvalidBundleError;
// they never block the others.
func (r *Registry) StageBundles() ([]StagedBundle, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("read plugin root: %w", err)
	}

	var (
		staged []StagedBundle
		errs   []error
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), BundleExt) {
			continue
		}
		archive := filepath.Join(r.root, e.Name())
		sb, err := r.stageBundle(archive)
		if err != nil {
			r.logger.Warn("bundle rejected", "bundle", e.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		r.logger.Info("bundle staged", "bundle", e.Name(), "dir", sb.Dir, "backup", sb.Backup)
		staged = append(staged, sb)
	}
	return staged, errors.Join(errs...)
}

func (r *Registry) stageBundle(archive string) (StagedBundle, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return StagedBundle{}, &InvalidBundleError{Path: archive, Reason: "unreadable archive", Err: err}
	}
	defer zr.Close()

	top, err := bundleRoot(archive, zr.File)
	if err != nil {
		return StagedBundle{}, err
	}

	tmp, err := os.MkdirTemp(r.root, stagingPrefix)
	if err != nil {
		return StagedBundle{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	for _, f := range zr.File {
		if err := extractFile(tmp, f); err != nil {
			return StagedBundle{}, &InvalidBundleError{Path: archive, Reason: "extract " + f.Name, Err: err}
		}
	}

	sb := StagedBundle{Archive: archive, Dir: filepath.Join(r.root, top)}
	if _, err := os.Stat(sb.Dir); err == nil {
		sb.Backup = r.backupName(sb.Dir)
		if err := os.Rename(sb.Dir, sb.Backup); err != nil {
			return StagedBundle{}, fmt.Errorf("move existing %s aside: %w", top, err)
		}
	}
	if err := os.Rename(filepath.Join(tmp, top), sb.Dir); err != nil {
		return StagedBundle{}, fmt.Errorf("install %s: %w", top, err)
	}
	if err := os.Remove(archive); err != nil {
		return sb, fmt.Errorf("remove consumed bundle: %w", err)
	}
	return sb, nil
}

// bundleRoot returns the single top-level directory of the archive, or an
// *InvalidBundleError.
func bundleRoot(archive string, files []*zip.File) (string, error) {
	tops := make(map[string]bool)
	for _, f := range files {
		name, err := cleanEntry(f.Name)
		if err != nil {
			return "", &InvalidBundleError{Path: archive, Reason: "unsafe path", Err: err}
		}
		if name == "" {
			continue
		}
		first, _, nested := strings.Cut(name, "/")
		isDir := nested || f.FileInfo().IsDir()
		if !isDir {
			return "", &InvalidBundleError{Path: archive, Reason: fmt.Sprintf("top-level file %q", first)}
		}
		tops[first] = true
	}
	if len(tops) != 1 {
		names := make([]string, 0, len(tops))
		for n := range tops {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", &InvalidBundleError{
			Path:   archive,
			Reason: fmt.Sprintf("want exactly one top-level directory, found %d %v", len(tops), names),
		}
	}
	for n := range tops {
		if strings.HasPrefix(n, ".") || strings.Contains(n, backupMarker) {
			return "", &InvalidBundleError{Path: archive, Reason: fmt.Sprintf("reserved directory name %q", n)}
		}
		return n, nil
	}
	return "", nil
}

// cleanEntry normalizes an archive path and rejects anything that would
// escape the extraction directory.
func cleanEntry(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("absolute path %q", name)
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes bundle", name)
	}
	return clean, nil
}

func extractFile(dst string, f *zip.File) error {
	name, err := cleanEntry(f.Name)
	if err != nil || name == "" {
		return err
	}
	target := filepath.Join(dst, filepath.FromSlash(name))

	info := f.FileInfo()
	if info.IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("symlinks are not allowed")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	perm := info.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// backupName picks a free "<dir>.bak-<timestamp>" path.
func (r *Registry) backupName(dir string) string {
	base := dir + backupMarker + r.now().Format(backupLayout)
	name := base
	for i := 1; ; i++ {
		if _, err := os.Lstat(name); errors.Is(err, os.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}
