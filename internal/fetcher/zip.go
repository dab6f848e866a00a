package fetcher

import (
	"archive/zip"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// WalkZIP calls fn for every file entry in the archive whose name has one of
// the given extensions (case-insensitive), in name order. No extensions
// means every file. Entries are streamed; nothing is extracted to disk.
func WalkZIP(zipPath string, exts []string, fn func(name string, r io.Reader) error) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return eris.Wrap(err, "fetcher: zip open")
	}
	defer zr.Close() //nolint:errcheck

	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !matchExt(f.Name, exts) {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	for _, f := range files {
		if err := walkEntry(f, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkEntry(f *zip.File, fn func(string, io.Reader) error) error {
	rc, err := f.Open()
	if err != nil {
		return eris.Wrapf(err, "fetcher: zip entry %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck
	return fn(f.Name, rc)
}

func matchExt(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(path.Ext(name))
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}
