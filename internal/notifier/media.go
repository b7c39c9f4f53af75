package notifier

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// detectMimeType sniffs the first 512 bytes and falls back to the file
// extension when the content is not recognized.
func detectMimeType(path string) string {
	detected := "application/octet-stream"
	if f, err := os.Open(path); err == nil {
		buf := make([]byte, 512)
		n, _ := f.Read(buf)
		f.Close()
		if n > 0 {
			detected = http.DetectContentType(buf[:n])
		}
	}
	if detected != "application/octet-stream" && !strings.HasPrefix(detected, "text/plain") {
		return detected
	}
	if byExt := mimeByExtension(path); byExt != "" {
		return byExt
	}
	return detected
}

func mimeByExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	case ".3gp":
		return "video/3gpp"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	case ".pdf":
		return "application/pdf"
	}
	return ""
}

var defaultMimeTypes = map[string]string{
	"video": "video/mp4",
	"image": "image/jpeg",
	"audio": "audio/ogg",
}

// mimeTypeFor returns a MIME type in the family of kind, so an Ogg file
// sniffed as application/ogg still goes out as audio.
func mimeTypeFor(kind, path string) string {
	if mt := detectMimeType(path); strings.HasPrefix(mt, kind+"/") {
		return mt
	}
	if mt := mimeByExtension(path); strings.HasPrefix(mt, kind+"/") {
		return mt
	}
	return defaultMimeTypes[kind]
}
