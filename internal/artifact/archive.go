package artifact

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// BundleInfo describes a written bundle.
type BundleInfo struct {
	Path   string
	Files  []string
	Size   int64
	SHA256 string
}

// Bundle writes the task's staged artifacts into destDir as
// <taskID>.tar.zst or <taskID>.tar.xz.
func (s *Store) Bundle(taskID, destDir, compression string) (*BundleInfo, error) {
	files, err := s.Files(taskID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no staged artifacts for task %s", taskID)
	}

	var ext string
	switch compression {
	case "", "zstd":
		ext = ".tar.zst"
	case "xz":
		ext = ".tar.xz"
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	bundlePath := filepath.Join(destDir, taskID+ext)
	out, err := os.Create(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("creating bundle: %w", err)
	}

	fail := func(err error) (*BundleInfo, error) {
		_ = out.Close()
		_ = os.Remove(bundlePath)
		return nil, err
	}

	var compressor io.WriteCloser
	if ext == ".tar.xz" {
		compressor, err = xz.NewWriter(out)
		if err != nil {
			return fail(fmt.Errorf("creating xz writer: %w", err))
		}
	} else {
		compressor, err = zstd.NewWriter(out)
		if err != nil {
			return fail(fmt.Errorf("creating zstd writer: %w", err))
		}
	}

	tw := tar.NewWriter(compressor)
	var names []string
	for _, f := range files {
		name := filepath.Join(taskID, filepath.Base(f))
		if err := addFileToTar(tw, f, name); err != nil {
			_ = compressor.Close()
			return fail(fmt.Errorf("adding %s to bundle: %w", name, err))
		}
		names = append(names, name)
	}
	if err := tw.Close(); err != nil {
		_ = compressor.Close()
		return fail(fmt.Errorf("closing tar writer: %w", err))
	}
	if err := compressor.Close(); err != nil {
		return fail(fmt.Errorf("closing compressor: %w", err))
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(bundlePath)
		return nil, fmt.Errorf("closing bundle: %w", err)
	}

	sum, size, err := hashFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("hashing bundle: %w", err)
	}
	s.logger.Info("staged artifacts bundled", "task", taskID, "path", bundlePath,
		"files", len(names), "size", humanize.Bytes(uint64(size)))

	return &BundleInfo{Path: bundlePath, Files: names, Size: size, SHA256: sum}, nil
}

// addFileToTar adds a single file to a tar archive.
func addFileToTar(tw *tar.Writer, srcPath, tarPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    filepath.ToSlash(tarPath),
		Size:    stat.Size(),
		Mode:    int64(stat.Mode().Perm()),
		ModTime: stat.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// hashFile computes the SHA256 of a file, returning hex string and size.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
