package fsops

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/termlink/termlink/internal/protocol"
)

// Filename byte budget for uploads. Most filesystems cap a path component
// at 255 bytes; staying well under leaves room for the timestamp prefix
// ("YYYYMMDD-HHMMSS-XXXXXXXX-", 25 bytes) and the atomic-write temp suffix
// (".tmp-" plus a 36-byte UUID, 41 bytes) that the final on-disk name carries.
const (
	uploadComponentBudget = 90
	uploadPrefixLen       = 25
	uploadTempSuffixLen   = 41
	maxUploadNameBytes    = uploadComponentBudget - uploadPrefixLen - uploadTempSuffixLen
)

// uploadFallbackName replaces names that sanitize down to nothing.
const uploadFallbackName = "attachment.bin"

// windowsReservedNames are device names that break tooling on Windows
// volumes even inside subdirectories.
var windowsReservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// SanitizeUploadFileName reduces a client-supplied filename to a single safe
// path component: no separators, no control characters, no reserved device
// names, at most maxUploadNameBytes bytes with truncation on UTF-8 rune
// boundaries that keeps the extension when possible.
func SanitizeUploadFileName(name string) string {
	// Keep only the final component of whatever the client sent.
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}

	var sb strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r == utf8.RuneError || unicode.IsControl(r):
			r = '_'
		case strings.ContainsRune(`<>:"|?*`, r):
			r = '_'
		case unicode.IsSpace(r):
			r = '_'
		}
		if r == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		sb.WriteRune(r)
	}
	name = strings.Trim(sb.String(), "._")
	if name == "" {
		return uploadFallbackName
	}

	stem, ext := splitExt(name)
	if windowsReservedNames[strings.ToLower(stem)] {
		stem += "_file"
		name = stem + ext
	}

	if len(name) > maxUploadNameBytes {
		name = truncateName(stem, ext, maxUploadNameBytes)
	}
	if name == "" || name == "." {
		return uploadFallbackName
	}
	return name
}

// truncateName cuts the stem on a rune boundary, preserving the extension
// when it fits inside the budget.
func truncateName(stem, ext string, budget int) string {
	if len(ext) >= budget {
		// Extension alone blows the budget; truncate the whole name.
		return truncateUTF8(stem+ext, budget)
	}
	return truncateUTF8(stem, budget-len(ext)) + ext
}

// truncateUTF8 returns the longest prefix of s that is at most n bytes and
// ends on a rune boundary.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func splitExt(name string) (stem, ext string) {
	ext = filepath.Ext(name)
	return name[:len(name)-len(ext)], ext
}

// UploadDestinationPath builds the on-disk path for an upload:
// <root>/.termlink/uploads/<YYYYMMDD-HHMMSS>-<8-char-uuid>-<sanitized name>.
func UploadDestinationPath(root, fileName string, now time.Time) string {
	stamp := now.Format("20060102-150405")
	short := uuid.NewString()[:8]
	name := fmt.Sprintf("%s-%s-%s", stamp, short, SanitizeUploadFileName(fileName))
	return filepath.Join(root, ".termlink", "uploads", name)
}

// Upload stores base64 content under the uploads directory of an allowed
// root and returns the final path. The client chooses only the root and a
// suggested name; the daemon owns the destination.
func (e *Engine) Upload(root, fileName, content string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", protocol.NewFSError(protocol.CodeInvalidEncoding, fileName, "invalid base64 content: %v", err)
	}
	maxWrite := e.validator.Policy().MaxWriteSize
	if maxWrite > 0 && int64(len(data)) > maxWrite {
		return "", protocol.NewFSError(protocol.CodeFileTooLarge, fileName, "upload of %d bytes exceeds the %d-byte limit", len(data), maxWrite)
	}

	canonicalRoot, err := e.validator.ValidateExisting(root)
	if err != nil {
		return "", err
	}
	allowed := false
	for _, r := range e.validator.Policy().AllowedRoots {
		if canonicalRoot == r {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", protocol.NewFSError(protocol.CodePermissionDenied, root, "uploads must target an allowed root")
	}

	dest := UploadDestinationPath(canonicalRoot, fileName, time.Now())
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", protocol.WrapFSError(dest, err)
	}
	if err := atomicWrite(dest, data); err != nil {
		return "", protocol.AsFSError(dest, err)
	}
	return dest, nil
}
