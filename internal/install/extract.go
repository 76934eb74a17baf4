package install

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrUnsafePath is returned for archive entries that would land outside
// the target directory.
var ErrUnsafePath = errors.New("archive entry escapes target directory")

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func extractFile(archive, name, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()
	return Extract(f, name, dest)
}

// Extract unpacks a .tar.zst or .tar stream into dest. Compression is
// detected from the stream; name is used only in errors.
func Extract(r io.Reader, name, dest string) error {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(zstdMagic))
	var src io.Reader = br
	if bytes.Equal(head, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return err
		}
		defer dec.Close()
		src = dec
	} else if strings.HasSuffix(name, ".zst") {
		return fmt.Errorf("%s: not a zstd stream", name)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		if err := checkParents(dest, target); err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("%w: %s -> %s", ErrUnsafePath, hdr.Name, hdr.Linkname)
			}
			if _, err := safeJoin(dest, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := removeSymlink(target); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// hard links, devices and fifos are not used by server packages
		}
	}
}

func safeJoin(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(dest, clean), nil
}

// checkParents refuses target when a directory between dest and target
// is a symlink, so entries are never written through links laid down by
// earlier entries.
func checkParents(dest, target string) error {
	rel, err := filepath.Rel(dest, filepath.Dir(target))
	if err != nil || rel == "." {
		return err
	}
	dir := dest
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		dir = filepath.Join(dir, part)
		fi, err := os.Lstat(dir)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s is a symlink", ErrUnsafePath, dir)
		}
	}
	return nil
}

// removeSymlink drops a symlink at path left by an earlier entry. A later
// entry replaces the link instead of following it.
func removeSymlink(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return nil
	}
	return os.Remove(path)
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := removeSymlink(path); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
