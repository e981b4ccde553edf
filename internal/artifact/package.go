package artifact

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// IsPackaged reports whether filename is a zipped workbook or datasource
// (.twbx / .tdsx).
func IsPackaged(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".twbx", ".tdsx":
		return true
	}
	return false
}

// IsDocument reports whether filename is a plain XML workbook or datasource
// (.twb / .tds).
func IsDocument(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".twb", ".tds":
		return true
	}
	return false
}

// documentEntry picks the XML document inside a package. A root-level entry
// wins over one in a subdirectory.
func documentEntry(files []*zip.File) *zip.File {
	var nested *zip.File
	for _, f := range files {
		if f.FileInfo().IsDir() || !IsDocument(f.Name) {
			continue
		}
		if !strings.Contains(f.Name, "/") {
			return f
		}
		if nested == nil {
			nested = f
		}
	}
	return nested
}

// ReadPackagedDocument returns the entry name and content of the XML
// document inside a .twbx/.tdsx file.
func ReadPackagedDocument(pkgPath string) (string, []byte, error) {
	zr, err := zip.OpenReader(pkgPath)
	if err != nil {
		return "", nil, fmt.Errorf("opening package %s: %w", filepath.Base(pkgPath), err)
	}
	defer func() {
		_ = zr.Close()
	}()

	entry := documentEntry(zr.File)
	if entry == nil {
		return "", nil, fmt.Errorf("package %s contains no .twb or .tds document", filepath.Base(pkgPath))
	}
	rc, err := entry.Open()
	if err != nil {
		return "", nil, fmt.Errorf("opening %s: %w", entry.Name, err)
	}
	defer func() {
		_ = rc.Close()
	}()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", nil, fmt.Errorf("reading %s: %w", entry.Name, err)
	}
	return entry.Name, data, nil
}

// ReplacePackagedDocument rewrites entryName inside the package with data.
// All other entries are copied unchanged. The package is replaced atomically.
func ReplacePackagedDocument(pkgPath, entryName string, data []byte) error {
	zr, err := zip.OpenReader(pkgPath)
	if err != nil {
		return fmt.Errorf("opening package %s: %w", filepath.Base(pkgPath), err)
	}
	defer func() {
		_ = zr.Close()
	}()

	tmp, err := os.CreateTemp(filepath.Dir(pkgPath), "."+path.Base(pkgPath)+".*")
	if err != nil {
		return fmt.Errorf("creating temp package: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	zw := zip.NewWriter(tmp)
	replaced := false
	for _, f := range zr.File {
		header := &zip.FileHeader{
			Name:     f.Name,
			Method:   f.Method,
			Modified: f.Modified,
			Comment:  f.Comment,
		}
		header.SetMode(f.Mode())

		w, err := zw.CreateHeader(header)
		if err != nil {
			cleanup()
			return fmt.Errorf("writing entry %s: %w", f.Name, err)
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if f.Name == entryName {
			if _, err := w.Write(data); err != nil {
				cleanup()
				return fmt.Errorf("writing entry %s: %w", f.Name, err)
			}
			replaced = true
			continue
		}
		if err := copyEntry(w, f); err != nil {
			cleanup()
			return err
		}
	}
	if !replaced {
		cleanup()
		return fmt.Errorf("package %s has no entry %s", filepath.Base(pkgPath), entryName)
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing package: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp package: %w", err)
	}
	if err := os.Rename(tmpName, pkgPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing package: %w", err)
	}
	return nil
}

func copyEntry(w io.Writer, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening entry %s: %w", f.Name, err)
	}
	defer func() {
		_ = rc.Close()
	}()
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("copying entry %s: %w", f.Name, err)
	}
	return nil
}
