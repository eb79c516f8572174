package fsgateway

import (
	"path/filepath"
	"strings"
)

// allowedExtensions is the finite literal set of web-asset suffixes
// admitted by the safety rule (spec §6). ".d.ts" is checked separately
// since it is a two-segment suffix.
var allowedExtensions = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".mjs": true, ".cjs": true,
	".json": true, ".xml": true, ".html": true, ".htm": true,
	".css": true, ".scss": true, ".sass": true, ".less": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".svg": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".mp4": true, ".webm": true, ".ogg": true, ".mp3": true, ".wav": true,
	".txt": true, ".md": true, ".yml": true, ".yaml": true, ".map": true,
}

// allowedDotFiles is the recognized set of dot-file basenames admitted
// regardless of extension.
var allowedDotFiles = map[string]bool{
	".gitignore": true, ".env": true, ".prettierrc": true,
	".eslintrc": true, ".babelrc": true, ".npmrc": true, ".editorconfig": true,
}

// isAllowedFile reports whether basename is permitted by the
// allowed-extension / dot-file rule (spec §4.1 step 4).
func isAllowedFile(basename string) bool {
	if allowedDotFiles[basename] {
		return true
	}
	if strings.HasSuffix(basename, ".d.ts") {
		return true
	}
	return allowedExtensions[filepath.Ext(basename)]
}
