package netres

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// getStandalone produces the canonical single-file artifact whose size
// and checksum are agreed across peers: directories are packed, files
// hidden inside a parent group are fetched out, player files are
// optimized, and the result is verified against the core (or, with
// setOfficial, written into it). Failure is sticky until the resource is
// re-initialized. The caller holds the resource lock.
func (r *Res) getStandalone(setOfficial, allowUnloadable bool) (string, error) {
	if r.standalone != "" {
		return r.standalone, nil
	}
	if r.standaloneFailed {
		return "", ErrStandaloneFailed
	}
	// without a loadable core there is nothing to verify against, and the
	// standalone would not be interesting anyway
	if !setOfficial && !r.core.Loadable {
		return "", ErrNotLoadable
	}
	// set now so any failure below short-circuits future attempts
	r.standaloneFailed = true

	r.standalone = r.file
	if fi, err := os.Stat(r.file); err == nil && fi.IsDir() {
		if allowUnloadable {
			_, over, err := dirSize(r.file, r.parent.cfg.MaxLoadFileSize)
			if err != nil {
				r.standalone = ""
				return "", fmt.Errorf("netres: could not get directory size of %s: %w", r.file, err)
			}
			if over {
				logInfo(fmt.Sprintf("%s over size limit, will be marked unloadable", r.file), "netres:standalone:oversize")
				r.standalone = ""
				return "", ErrOversize
			}
		}
		// this may take a few seconds
		logInfo(fmt.Sprintf("packing %s", filepath.Base(r.file)), "netres:standalone:pack")
		if !r.tempFile {
			tmp, err := r.parent.FindTempResFileName(r.file)
			if err != nil {
				r.standalone = ""
				return "", err
			}
			if err := PackDirectoryTo(r.file, tmp); err != nil {
				os.Remove(tmp)
				r.standalone = ""
				return "", fmt.Errorf("netres: could not pack directory: %w", err)
			}
			r.standalone = tmp
		} else if err := PackDirectory(r.standalone); err != nil {
			r.standalone = ""
			return "", fmt.Errorf("netres: could not pack directory: %w", err)
		}
		r.file = r.standalone
		r.tempFile = true
		// a loose directory had no contents checksum yet
		if r.core.ContentsCRC == 0 {
			if g, err := OpenGroup(r.standalone); err == nil {
				r.core.ContentsCRC = g.EntryCRC()
				g.Close()
			}
		}
	}

	// artifact missing at the expected path? it may live inside a parent
	// group; fetch it into a temp file
	if _, err := os.Stat(r.standalone); err != nil {
		tmp, err := r.parent.FindTempResFileName(r.file)
		if err != nil {
			r.standalone = ""
			return "", err
		}
		if err := CopyItem(r.file, tmp); err != nil {
			os.Remove(tmp)
			r.standalone = ""
			return "", fmt.Errorf("netres: could not copy to temporary file: %w", err)
		}
		r.standalone = tmp
	}
	if _, err := os.Stat(r.standalone); err != nil {
		r.standalone = ""
		return "", fmt.Errorf("netres: standalone not found: %w", err)
	}

	// remove entries all peers agree to drop, before any checksum is taken
	if err := r.optimizeStandalone(); err != nil {
		if r.standalone != r.file {
			os.Remove(r.standalone)
		}
		r.standalone = ""
		return "", err
	}

	fi, err := os.Stat(r.standalone)
	if err != nil {
		r.standalone = ""
		return "", fmt.Errorf("netres: stat standalone: %w", err)
	}
	size := uint32(fi.Size())
	if allowUnloadable && uint64(fi.Size()) > r.parent.cfg.MaxLoadFileSize {
		logInfo(fmt.Sprintf("%s over size limit, will be marked unloadable", r.file), "netres:standalone:oversize")
		r.standalone = ""
		return "", ErrOversize
	}
	if !setOfficial && size != r.core.FileSize {
		// this version isn't good enough
		if r.standalone != r.file {
			os.Remove(r.standalone)
		}
		r.standalone = ""
		return "", fmt.Errorf("netres: size mismatch: %w", ErrChecksumMismatch)
	}
	crc, err := FileCRC(r.standalone)
	if err != nil {
		r.standalone = ""
		return "", fmt.Errorf("netres: could not calculate checksum: %w", err)
	}
	if !setOfficial && crc != r.core.FileCRC {
		if r.standalone != r.file {
			os.Remove(r.standalone)
		}
		r.standalone = ""
		return "", fmt.Errorf("netres: crc mismatch: %w", ErrChecksumMismatch)
	}

	r.standaloneFailed = false
	r.core.SetLoadable(size, crc)
	r.chunks.SetComplete(r.core.ChunkCnt())
	return r.standalone, nil
}

// optimizeStandalone strips entries that peers agree not to transfer.
// Player files lose their portrait entries and any big icon over the
// size limit; other types pass through unchanged. The caller holds the
// resource lock.
func (r *Res) optimizeStandalone() error {
	if r.core.Type != ResPlayer {
		return nil
	}
	// this may take a few seconds
	logInfo(fmt.Sprintf("preparing %s", filepath.Base(r.file)), "netres:standalone:optimize")
	// never mutate a non-temp source; optimize a copy
	if !r.tempFile && r.standalone == r.file {
		tmp, err := r.parent.FindTempResFileName(r.standalone)
		if err != nil {
			return err
		}
		if err := CopyItem(r.standalone, tmp); err != nil {
			return fmt.Errorf("netres: could not copy to temporary file: %w", err)
		}
		r.standalone = tmp
	}
	g, err := OpenGroup(r.standalone)
	if err != nil {
		return fmt.Errorf("netres: could not open player file: %w", err)
	}
	bigIconSize, hasBigIcon := g.FindEntry(bigIconName)
	g.Close()
	dropBigIcon := hasBigIcon && bigIconSize > MaxBigicon*1024
	_, err = GroupDeleteEntries(r.standalone, func(name string) bool {
		if name == bigIconName {
			return dropBigIcon
		}
		return isPortraitEntry(name)
	})
	return err
}

// CalculateSHA fills in the core's SHA-1, computing it over the
// standalone (or, failing that, the raw artifact).
func (r *Res) CalculateSHA() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.core.FileSHA != "" {
		return nil
	}
	path := r.standalone
	if path == "" {
		if p, err := r.getStandalone(false, false); err == nil {
			path = p
		} else {
			path = r.file
		}
	}
	sum, err := fileSHA1(path)
	if err != nil {
		return err
	}
	r.core.FileSHA = sum
	return nil
}

func fileSHA1(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// dirSize walks a directory accumulating file sizes, stopping early once
// the accumulated total exceeds maxSize.
func dirSize(path string, maxSize uint64) (total uint64, overLimit bool, err error) {
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		total += uint64(info.Size())
		if total > maxSize {
			overLimit = true
			return fs.SkipAll
		}
		return nil
	})
	return total, overLimit, err
}
