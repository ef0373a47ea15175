package netres

import (
	"archive/zip"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"
)

// The group layer is the archive format resources travel in. A group is a
// zip file written deterministically (sorted entries, zeroed timestamps,
// fixed compression) so that packing the same directory yields the same
// bytes on every peer.

// group entry names stripped during player-file optimization
const (
	portraitPrefix = "Portrait"
	bigIconName    = "BigIcon.png"
)

func registerDeflate(zw *zip.Writer) {
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
}

// Group provides read access to a packed resource file.
type Group struct {
	path string
	rc   *zip.ReadCloser
}

// OpenGroup opens path as a group; returns an error if it is not one.
func OpenGroup(path string) (*Group, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open group %s: %w", path, err)
	}
	return &Group{path: path, rc: rc}, nil
}

// Close releases the group.
func (g *Group) Close() error { return g.rc.Close() }

// Path returns the on-disk location of the group file.
func (g *Group) Path() string { return g.path }

// FindEntry returns the uncompressed size of a named entry.
func (g *Group) FindEntry(name string) (size uint64, ok bool) {
	for _, f := range g.rc.File {
		if f.Name == name {
			return f.UncompressedSize64, true
		}
	}
	return 0, false
}

// EntryCRC computes the contents checksum of the group: a CRC over the
// entry names and per-entry data checksums in name order. It is stable
// across repackaging since it never sees compressed bytes.
func (g *Group) EntryCRC() uint32 {
	entries := make([]*zip.File, len(g.rc.File))
	copy(entries, g.rc.File)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	h := crc32.NewIEEE()
	var buf [4]byte
	for _, f := range entries {
		io.WriteString(h, f.Name)
		binary.LittleEndian.PutUint32(buf[:], f.CRC32)
		h.Write(buf[:])
	}
	return h.Sum32()
}

// IsGroupFile reports whether path opens as a group.
func IsGroupFile(path string) bool {
	g, err := OpenGroup(path)
	if err != nil {
		return false
	}
	g.Close()
	return true
}

// PackDirectoryTo packs the directory at src into a new group file at
// dst, overwriting dst. Entry names are slash-separated paths relative to
// src, written in sorted order with zeroed metadata.
func PackDirectoryTo(src, dst string) error {
	var names []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return fmt.Errorf("pack %s: %w", src, err)
	}
	sort.Strings(names)

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("pack %s: %w", src, err)
	}
	zw := zip.NewWriter(out)
	registerDeflate(zw)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err == nil {
			err = copyFileInto(w, filepath.Join(src, filepath.FromSlash(name)))
		}
		if err != nil {
			zw.Close()
			out.Close()
			os.Remove(dst)
			return fmt.Errorf("pack %s: %w", src, err)
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("pack %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("pack %s: %w", src, err)
	}
	return nil
}

// PackDirectory replaces the directory at path with its packed form. The
// archive is written to a sibling temp file first; the directory is only
// removed once the pack has succeeded, so a failed pack leaves the source
// intact.
func PackDirectory(path string) error {
	tmp := path + ".packing"
	if err := PackDirectoryTo(path, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("pack %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("pack %s: %w", path, err)
	}
	return nil
}

// CopyItem copies the item at src to dst. If src does not exist on disk,
// its parent directory is tried as a group and the item is extracted from
// it, so a file packed inside an archive can still be materialized.
func CopyItem(src, dst string) error {
	if _, err := os.Stat(src); err == nil {
		return copyFile(src, dst)
	}
	parent, name := filepath.Split(src)
	g, err := OpenGroup(filepath.Clean(parent))
	if err != nil {
		return fmt.Errorf("copy item %s: %w", src, err)
	}
	defer g.Close()
	for _, f := range g.rc.File {
		if f.Name == name {
			r, err := f.Open()
			if err != nil {
				return fmt.Errorf("copy item %s: %w", src, err)
			}
			defer r.Close()
			out, err := os.Create(dst)
			if err != nil {
				return fmt.Errorf("copy item %s: %w", src, err)
			}
			if _, err := io.Copy(out, r); err != nil {
				out.Close()
				os.Remove(dst)
				return fmt.Errorf("copy item %s: %w", src, err)
			}
			return out.Close()
		}
	}
	return fmt.Errorf("copy item %s: %w", src, fs.ErrNotExist)
}

// GroupDeleteEntries rewrites the group at path without the entries the
// remove callback matches. Kept entries are copied raw so the output
// stays deterministic. Returns the number of entries removed.
func GroupDeleteEntries(path string, remove func(name string) bool) (int, error) {
	g, err := OpenGroup(path)
	if err != nil {
		return 0, err
	}
	tmp := path + ".rewrite"
	out, err := os.Create(tmp)
	if err != nil {
		g.Close()
		return 0, fmt.Errorf("rewrite group %s: %w", path, err)
	}
	zw := zip.NewWriter(out)
	registerDeflate(zw)
	removed := 0
	for _, f := range g.rc.File {
		if remove(f.Name) {
			removed++
			continue
		}
		if err := zw.Copy(f); err != nil {
			zw.Close()
			out.Close()
			g.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("rewrite group %s: %w", path, err)
		}
	}
	g.Close()
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("rewrite group %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rewrite group %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rewrite group %s: %w", path, err)
	}
	return removed, nil
}

// FileCRC computes the CRC32 of a whole file.
func FileCRC(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

func copyFileInto(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// isPortraitEntry matches the player-file entries stripped during
// standalone optimization.
func isPortraitEntry(name string) bool {
	return strings.HasPrefix(filepath.Base(filepath.FromSlash(name)), portraitPrefix)
}
