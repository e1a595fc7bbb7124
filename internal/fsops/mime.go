package fsops

import (
	"mime"
	"path/filepath"
	"strings"
)

// extraMimeTypes covers developer file types the platform mime database
// usually misses. Values here win over the platform database so listings
// stay consistent across machines.
var extraMimeTypes = map[string]string{
	".go":    "text/x-go",
	".rs":    "text/x-rust",
	".py":    "text/x-python",
	".rb":    "text/x-ruby",
	".ts":    "text/typescript",
	".tsx":   "text/typescript",
	".jsx":   "text/javascript",
	".md":    "text/markdown",
	".yaml":  "text/yaml",
	".yml":   "text/yaml",
	".toml":  "text/toml",
	".sh":    "text/x-shellscript",
	".zsh":   "text/x-shellscript",
	".fish":  "text/x-shellscript",
	".sql":   "text/x-sql",
	".swift": "text/x-swift",
	".kt":    "text/x-kotlin",
	".c":     "text/x-c",
	".h":     "text/x-c",
	".cpp":   "text/x-c++",
	".hpp":   "text/x-c++",
	".java":  "text/x-java",
	".log":   "text/plain",
	".lock":  "text/plain",
}

// GuessMimeType returns a MIME type for a path based on its extension,
// or empty when unknown.
func GuessMimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return ""
	}
	if mt, ok := extraMimeTypes[ext]; ok {
		return mt
	}
	mt := mime.TypeByExtension(ext)
	// Strip charset parameters so clients get a bare type.
	if idx := strings.IndexByte(mt, ';'); idx >= 0 {
		mt = strings.TrimSpace(mt[:idx])
	}
	return mt
}
