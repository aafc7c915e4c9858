package static

import "strings"

// mimeTypes maps file extensions to content types. Unknown extensions are
// served as text/plain.
var mimeTypes = map[string]string{
	".css":   "text/css",
	".html":  "text/html",
	".png":   "image/png",
	".wav":   "audio/wav",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".mp3":   "audio/mpeg",
	".mp4":   "video/mp4",
	".ico":   "image/x-icon",
	".svg":   "image/svg+xml",
	".js":    "text/javascript",
	".mjs":   "text/javascript",
	".map":   "application/json",
	".pdf":   "application/pdf",
	".json":  "application/json",
	".doc":   "application/msword",
	".wasm":  "application/wasm",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".txt":   "text/plain",
}

// ContentType returns the content type for a file extension, including the
// leading dot.
func ContentType(ext string) string {
	if typ, ok := mimeTypes[strings.ToLower(ext)]; ok {
		return typ
	}
	return "text/plain"
}
