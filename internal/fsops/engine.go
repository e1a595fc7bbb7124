// Package fsops implements the sandboxed filesystem operations behind the
// remote protocol: listing, reads, atomic writes, tree manipulation, search
// and upload handling. All paths pass through the sandbox validator; all
// failures surface as protocol.FSError values ready for the wire.
package fsops

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/termlink/termlink/internal/protocol"
	"github.com/termlink/termlink/internal/sandbox"
)

// DefaultChunkSize is the chunked-read unit when the client does not pick one.
const DefaultChunkSize = 1 << 20

// Engine executes filesystem operations against one policy snapshot.
type Engine struct {
	validator *sandbox.Validator
}

// NewEngine creates an engine bound to a validator.
func NewEngine(v *sandbox.Validator) *Engine {
	return &Engine{validator: v}
}

// ListResult is the payload of a directory listing.
type ListResult struct {
	Path       string
	Entries    []protocol.FileEntry
	TotalCount int
	Truncated  bool
}

// ReadResult is the payload of a file read.
type ReadResult struct {
	Path        string
	Content     string
	Encoding    protocol.Encoding
	Size        int64
	MimeType    string
	TruncatedAt int64
}

// ChunkResult is one unit of a chunked file read.
type ChunkResult struct {
	Path        string
	ChunkIndex  int64
	TotalChunks int64
	TotalSize   int64
	Data        string
	Checksum    string
	IsLast      bool
}

// ListDirectory returns the entries of a directory, directories first.
// Entries matching a deny pattern are silently omitted. Output is capped at
// the policy's MaxListEntries; TotalCount reports the pre-cap count.
func (e *Engine) ListDirectory(path string, includeHidden bool, sortBy protocol.SortField, order protocol.SortOrder) (*ListResult, error) {
	canonical, err := e.validator.ValidateExisting(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return nil, protocol.WrapFSError(path, err)
	}
	if !info.IsDir() {
		return nil, protocol.NewFSError(protocol.CodeNotADirectory, path, "not a directory")
	}

	dirEntries, err := os.ReadDir(canonical)
	if err != nil {
		return nil, protocol.WrapFSError(path, err)
	}

	entries := make([]protocol.FileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if !includeHidden && strings.HasPrefix(name, ".") {
			continue
		}
		childPath := filepath.Join(canonical, name)
		if e.validator.IsDenied(childPath) {
			continue
		}
		entry, err := e.statEntry(childPath)
		if err != nil {
			// Entry vanished mid-listing; skip it.
			continue
		}
		entries = append(entries, entry)
	}

	sortEntries(entries, sortBy, order)

	result := &ListResult{Path: canonical, Entries: entries, TotalCount: len(entries)}
	maxEntries := e.validator.Policy().MaxListEntries
	if maxEntries > 0 && len(entries) > maxEntries {
		result.Entries = entries[:maxEntries]
		result.Truncated = true
	}
	return result, nil
}

// ReadFile reads file content, as UTF-8 text when possible and base64
// otherwise. Reads larger than the policy ceiling fail before any buffering.
func (e *Engine) ReadFile(path string, offset, length int64, encoding protocol.Encoding) (*ReadResult, error) {
	canonical, err := e.validator.ValidateExisting(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return nil, protocol.WrapFSError(path, err)
	}
	if info.IsDir() {
		return nil, protocol.NewFSError(protocol.CodeNotAFile, path, "is a directory")
	}
	size := info.Size()

	if offset < 0 {
		return nil, protocol.NewFSError(protocol.CodeIOError, path, "negative offset %d", offset)
	}
	if offset > size {
		// Reading past EOF is a deterministic empty read, not an error.
		offset = size
	}
	readLen := size - offset
	if length > 0 && length < readLen {
		readLen = length
	}
	maxRead := e.validator.Policy().MaxReadSize
	if maxRead > 0 && readLen > maxRead {
		return nil, protocol.NewFSError(protocol.CodeFileTooLarge, path, "read of %d bytes exceeds the %d-byte limit", readLen, maxRead)
	}

	f, err := os.Open(canonical)
	if err != nil {
		return nil, protocol.WrapFSError(path, err)
	}
	defer f.Close()

	data := make([]byte, readLen)
	n, err := io.ReadFull(io.NewSectionReader(f, offset, readLen), data)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, protocol.WrapFSError(path, err)
	}
	data = data[:n]

	result := &ReadResult{Path: canonical, Size: size, MimeType: GuessMimeType(canonical)}
	if offset+int64(n) < size {
		result.TruncatedAt = offset + int64(n)
	}

	switch encoding {
	case protocol.EncodingBase64:
		result.Content = base64.StdEncoding.EncodeToString(data)
		result.Encoding = protocol.EncodingBase64
	case protocol.EncodingUTF8:
		text, ok := decodeText(data)
		if !ok {
			return nil, protocol.NewFSError(protocol.CodeInvalidEncoding, path, "content is not valid UTF-8")
		}
		result.Content = text
		result.Encoding = protocol.EncodingUTF8
	default:
		if text, ok := decodeText(data); ok {
			result.Content = text
			result.Encoding = protocol.EncodingUTF8
		} else {
			result.Content = base64.StdEncoding.EncodeToString(data)
			result.Encoding = protocol.EncodingBase64
		}
	}
	return result, nil
}

// ReadFileChunk reads one fixed-size chunk for resumable large transfers.
// Each chunk carries an MD5 checksum so the client can verify reassembly.
func (e *Engine) ReadFileChunk(path string, chunkIndex, chunkSize int64) (*ChunkResult, error) {
	canonical, err := e.validator.ValidateExisting(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return nil, protocol.WrapFSError(path, err)
	}
	if info.IsDir() {
		return nil, protocol.NewFSError(protocol.CodeNotAFile, path, "is a directory")
	}
	size := info.Size()

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	maxRead := e.validator.Policy().MaxReadSize
	if maxRead > 0 && chunkSize > maxRead {
		return nil, protocol.NewFSError(protocol.CodeFileTooLarge, path, "chunk size %d exceeds the %d-byte limit", chunkSize, maxRead)
	}

	totalChunks := (size + chunkSize - 1) / chunkSize
	if totalChunks == 0 {
		totalChunks = 1
	}
	if chunkIndex < 0 || chunkIndex >= totalChunks {
		return nil, protocol.NewFSError(protocol.CodeIOError, path, "chunk %d out of range (total %d)", chunkIndex, totalChunks)
	}

	f, err := os.Open(canonical)
	if err != nil {
		return nil, protocol.WrapFSError(path, err)
	}
	defer f.Close()

	offset := chunkIndex * chunkSize
	readLen := chunkSize
	if offset+readLen > size {
		readLen = size - offset
	}
	data := make([]byte, readLen)
	if _, err := io.ReadFull(io.NewSectionReader(f, offset, readLen), data); err != nil && err != io.EOF {
		return nil, protocol.WrapFSError(path, err)
	}

	sum := md5.Sum(data)
	return &ChunkResult{
		Path:        canonical,
		ChunkIndex:  chunkIndex,
		TotalChunks: totalChunks,
		TotalSize:   size,
		Data:        base64.StdEncoding.EncodeToString(data),
		Checksum:    hex.EncodeToString(sum[:]),
		IsLast:      chunkIndex == totalChunks-1,
	}, nil
}

// WriteFile writes content atomically: the bytes land in a temp sibling
// which is renamed over the target. A pre-existing target is backed up for
// the duration of the rename and restored if it fails.
func (e *Engine) WriteFile(path, content string, encoding protocol.Encoding, createParents bool) (string, error) {
	data, err := decodeContent(path, content, encoding)
	if err != nil {
		return "", err
	}
	maxWrite := e.validator.Policy().MaxWriteSize
	if maxWrite > 0 && int64(len(data)) > maxWrite {
		return "", protocol.NewFSError(protocol.CodeFileTooLarge, path, "write of %d bytes exceeds the %d-byte limit", len(data), maxWrite)
	}

	resolved, err := e.validator.ResolveNew(path, createParents)
	if err != nil {
		return "", err
	}
	if !e.validator.IsWritable(resolved) {
		return "", protocol.NewFSError(protocol.CodePermissionDenied, path, "path is read-only")
	}
	if info, err := os.Lstat(resolved); err == nil && info.IsDir() {
		return "", protocol.NewFSError(protocol.CodeNotAFile, path, "target is a directory")
	}

	if createParents {
		if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
			return "", protocol.WrapFSError(path, err)
		}
	}

	if err := atomicWrite(resolved, data); err != nil {
		return "", protocol.AsFSError(path, err)
	}
	return resolved, nil
}

// atomicWrite stages data in a temp sibling and renames it into place,
// keeping a backup of any existing target until the rename lands.
func atomicWrite(target string, data []byte) error {
	tmpPath := target + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	backupPath := ""
	if _, err := os.Lstat(target); err == nil {
		backupPath = target + ".bak-" + uuid.NewString()
		if err := os.Rename(target, backupPath); err != nil {
			os.Remove(tmpPath)
			return err
		}
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		if backupPath != "" {
			// Put the original back; the write failed but data is intact.
			_ = os.Rename(backupPath, target)
		}
		return err
	}

	if backupPath != "" {
		os.Remove(backupPath)
	}
	return nil
}

// CreateDirectory creates a directory, optionally with missing parents.
func (e *Engine) CreateDirectory(path string, recursive bool) (string, error) {
	resolved, err := e.validator.ResolveNew(path, recursive)
	if err != nil {
		return "", err
	}
	if !e.validator.IsWritable(resolved) {
		return "", protocol.NewFSError(protocol.CodePermissionDenied, path, "path is read-only")
	}
	if _, err := os.Lstat(resolved); err == nil {
		return "", protocol.NewFSError(protocol.CodeAlreadyExists, path, "path already exists")
	}

	if recursive {
		err = os.MkdirAll(resolved, 0755)
	} else {
		err = os.Mkdir(resolved, 0755)
	}
	if err != nil {
		return "", protocol.WrapFSError(path, err)
	}
	return resolved, nil
}

// DeletePath removes a file or directory. Deleting an absent path fails
// not_found; deleting a populated directory without recursive fails
// not_empty.
func (e *Engine) DeletePath(path string, recursive bool) error {
	canonical, err := e.validator.ValidateExisting(path)
	if err != nil {
		return err
	}
	if !e.validator.IsWritable(canonical) {
		return protocol.NewFSError(protocol.CodePermissionDenied, path, "path is read-only")
	}

	info, err := os.Lstat(canonical)
	if err != nil {
		return protocol.WrapFSError(path, err)
	}

	if info.IsDir() && recursive {
		if err := os.RemoveAll(canonical); err != nil {
			return protocol.WrapFSError(path, err)
		}
		return nil
	}
	if err := os.Remove(canonical); err != nil {
		return protocol.WrapFSError(path, err)
	}
	return nil
}

// RenamePath moves a file or directory. An occupied target fails
// already_exists rather than being clobbered.
func (e *Engine) RenamePath(oldPath, newPath string) (string, error) {
	canonicalOld, err := e.validator.ValidateExisting(oldPath)
	if err != nil {
		return "", err
	}
	resolvedNew, err := e.validator.ResolveNew(newPath, false)
	if err != nil {
		return "", err
	}
	if !e.validator.IsWritable(canonicalOld) || !e.validator.IsWritable(resolvedNew) {
		return "", protocol.NewFSError(protocol.CodePermissionDenied, oldPath, "path is read-only")
	}
	if _, err := os.Lstat(resolvedNew); err == nil {
		return "", protocol.NewFSError(protocol.CodeAlreadyExists, newPath, "target already exists")
	}

	if err := os.Rename(canonicalOld, resolvedNew); err != nil {
		return "", protocol.WrapFSError(oldPath, err)
	}
	return resolvedNew, nil
}

// CopyPath copies a file, or a directory tree when recursive is set.
func (e *Engine) CopyPath(srcPath, dstPath string, recursive bool) (string, error) {
	canonicalSrc, err := e.validator.ValidateExisting(srcPath)
	if err != nil {
		return "", err
	}
	resolvedDst, err := e.validator.ResolveNew(dstPath, false)
	if err != nil {
		return "", err
	}
	if !e.validator.IsWritable(resolvedDst) {
		return "", protocol.NewFSError(protocol.CodePermissionDenied, dstPath, "path is read-only")
	}
	if _, err := os.Lstat(resolvedDst); err == nil {
		return "", protocol.NewFSError(protocol.CodeAlreadyExists, dstPath, "target already exists")
	}

	info, err := os.Lstat(canonicalSrc)
	if err != nil {
		return "", protocol.WrapFSError(srcPath, err)
	}

	if info.IsDir() {
		if !recursive {
			return "", protocol.NewFSError(protocol.CodeNotAFile, srcPath, "source is a directory; recursive copy required")
		}
		if err := copyTree(canonicalSrc, resolvedDst); err != nil {
			return "", protocol.AsFSError(srcPath, err)
		}
		return resolvedDst, nil
	}

	if err := copyFile(canonicalSrc, resolvedDst, info.Mode()); err != nil {
		return "", protocol.AsFSError(srcPath, err)
	}
	return resolvedDst, nil
}

// GetFileInfo returns the metadata entry for a path.
func (e *Engine) GetFileInfo(path string) (protocol.FileEntry, error) {
	canonical, err := e.validator.ValidateExisting(path)
	if err != nil {
		return protocol.FileEntry{}, err
	}
	entry, err := e.statEntry(canonical)
	if err != nil {
		return protocol.FileEntry{}, protocol.WrapFSError(path, err)
	}
	return entry, nil
}

func (e *Engine) statEntry(path string) (protocol.FileEntry, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return protocol.FileEntry{}, err
	}

	name := filepath.Base(path)
	entry := protocol.FileEntry{
		Name:        name,
		Path:        path,
		IsDirectory: info.IsDir(),
		IsSymlink:   info.Mode()&os.ModeSymlink != 0,
		IsHidden:    strings.HasPrefix(name, "."),
		Size:        info.Size(),
		Modified:    info.ModTime().UnixMilli(),
		Permissions: info.Mode().String(),
	}
	if entry.IsSymlink {
		if target, err := os.Readlink(path); err == nil {
			entry.SymlinkTarget = target
		}
	}
	if !entry.IsDirectory && !entry.IsSymlink {
		entry.MimeType = GuessMimeType(path)
	}
	return entry, nil
}

func sortEntries(entries []protocol.FileEntry, sortBy protocol.SortField, order protocol.SortOrder) {
	desc := order == protocol.SortDesc
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		// Directories group before files regardless of sort key.
		if a.IsDirectory != b.IsDirectory {
			return a.IsDirectory
		}
		var less bool
		switch sortBy {
		case protocol.SortBySize:
			if a.Size != b.Size {
				less = a.Size < b.Size
			} else {
				less = strings.ToLower(a.Name) < strings.ToLower(b.Name)
			}
		case protocol.SortByModified:
			if a.Modified != b.Modified {
				less = a.Modified < b.Modified
			} else {
				less = strings.ToLower(a.Name) < strings.ToLower(b.Name)
			}
		case protocol.SortByType:
			extA, extB := strings.ToLower(filepath.Ext(a.Name)), strings.ToLower(filepath.Ext(b.Name))
			if extA != extB {
				less = extA < extB
			} else {
				less = strings.ToLower(a.Name) < strings.ToLower(b.Name)
			}
		default:
			less = strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}
		if desc {
			return !less
		}
		return less
	})
}

func decodeContent(path, content string, encoding protocol.Encoding) ([]byte, error) {
	switch encoding {
	case protocol.EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, protocol.NewFSError(protocol.CodeInvalidEncoding, path, "invalid base64 content: %v", err)
		}
		return data, nil
	case protocol.EncodingUTF8, "":
		if !utf8.ValidString(content) {
			return nil, protocol.NewFSError(protocol.CodeInvalidEncoding, path, "content is not valid UTF-8")
		}
		return []byte(content), nil
	default:
		return nil, protocol.NewFSError(protocol.CodeInvalidEncoding, path, "unknown encoding %q", encoding)
	}
}

// decodeText returns data as a string when it decodes cleanly as text.
// Handles UTF-8 (with or without BOM) and BOM-marked UTF-16.
func decodeText(data []byte) (string, bool) {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		data = data[3:]
	} else if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xFE {
		return decodeUTF16(data[2:], false)
	} else if len(data) >= 2 && data[0] == 0xFE && data[1] == 0xFF {
		return decodeUTF16(data[2:], true)
	}
	if !utf8.Valid(data) {
		return "", false
	}
	// NUL bytes mean binary even when technically valid UTF-8.
	for _, b := range data {
		if b == 0 {
			return "", false
		}
	}
	return string(data), true
}

func decodeUTF16(data []byte, bigEndian bool) (string, bool) {
	if len(data)%2 != 0 {
		return "", false
	}
	var sb strings.Builder
	for i := 0; i+1 < len(data); i += 2 {
		var u uint16
		if bigEndian {
			u = uint16(data[i])<<8 | uint16(data[i+1])
		} else {
			u = uint16(data[i+1])<<8 | uint16(data[i])
		}
		if u >= 0xD800 && u <= 0xDBFF {
			// Surrogate pair.
			if i+3 >= len(data) {
				return "", false
			}
			var lo uint16
			if bigEndian {
				lo = uint16(data[i+2])<<8 | uint16(data[i+3])
			} else {
				lo = uint16(data[i+3])<<8 | uint16(data[i+2])
			}
			if lo < 0xDC00 || lo > 0xDFFF {
				return "", false
			}
			r := 0x10000 + (rune(u)-0xD800)<<10 + (rune(lo) - 0xDC00)
			sb.WriteRune(r)
			i += 2
			continue
		}
		if u >= 0xDC00 && u <= 0xDFFF {
			return "", false
		}
		if u == 0 {
			return "", false
		}
		sb.WriteRune(rune(u))
	}
	return sb.String(), true
}

func copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		os.Remove(dst)
		return err
	}
	return dstFile.Close()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if d.Type()&os.ModeSymlink != 0 {
			// Symlinks are not reproduced in copies.
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}
