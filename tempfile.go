package netres

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sanitizeFilename reduces a requested name to the character set
// [A-Za-z0-9./]; everything else becomes '_'. Both sender and receiver of
// a temp file derive the same safe form.
func sanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '/':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// FindTempResFileName reserves a free file name in the network work
// directory for the given resource name. The name is sanitized, then
// created exclusively; on collision "_2".."_999" is inserted before the
// extension. The reserved (empty) file exists on return.
func (l *List) FindTempResFileName(name string) (string, error) {
	base := filepath.Base(sanitizeFilename(name))
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "res"
	}
	target := filepath.Join(l.cfg.NetworkWorkPath, base)
	if createdNewFile(target) {
		return target, nil
	}
	ext := filepath.Ext(target)
	stem := strings.TrimSuffix(target, ext)
	for i := 2; i < 1000; i++ {
		probe := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if createdNewFile(probe) {
			return probe, nil
		}
	}
	return "", ErrNoTempName
}

// createdNewFile attempts an exclusive create and reports success.
func createdNewFile(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
