// Package static implements the MIME-type lookup and static file serving
// spec.md §1 named as external collaborators ("static-file serving for the
// root HTML page, the MIME-type table") and SPEC_FULL.md §12.1/§12.2 bring
// into scope.
package static

import "path/filepath"

var mimeTypes = map[string]string{
	".html":    "text/html",
	".htm":     "text/html",
	".shtm":    "text/html",
	".shtml":   "text/html",
	".css":     "text/css",
	".js":      "application/x-javascript",
	".ico":     "image/x-icon",
	".gif":     "image/gif",
	".jpg":     "image/jpeg",
	".jpeg":    "image/jpeg",
	".png":     "image/png",
	".svg":     "image/svg+xml",
	".md":      "text/plain",
	".txt":     "text/plain",
	".torrent": "application/x-bittorrent",
	".wav":     "audio/x-wav",
	".mp3":     "audio/x-mp3",
	".mid":     "audio/mid",
	".m3u":     "audio/x-mpegurl",
	".ogg":     "application/ogg",
	".ram":     "audio/x-pn-realaudio",
	".xml":     "text/xml",
	".ttf":     "application/x-font-ttf",
	".json":    "application/json",
	".xslt":    "application/xml",
	".xsl":     "application/xml",
	".ra":      "audio/x-pn-realaudio",
	".doc":     "application/msword",
	".exe":     "application/octet-stream",
	".zip":     "application/x-zip-compressed",
	".xls":     "application/excel",
	".tgz":     "application/x-tar-gz",
	".tar":     "application/x-tar",
	".gz":      "application/x-gunzip",
	".arj":     "application/x-arj-compressed",
	".rar":     "application/x-rar-compressed",
	".rtf":     "application/rtf",
	".pdf":     "application/pdf",
	".swf":     "application/x-shockwave-flash",
	".mpg":     "video/mpeg",
	".webm":    "video/webm",
	".mpeg":    "video/mpeg",
	".mov":     "video/quicktime",
	".mp4":     "video/mp4",
	".m4v":     "video/x-m4v",
	".asf":     "video/x-ms-asf",
	".avi":     "video/x-msvideo",
	".bmp":     "image/bmp",
}

const defaultMimeType = "text/plain"

// MimeType returns the content type for a file path's extension, falling
// back to text/plain for anything unrecognized or extensionless.
func MimeType(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return defaultMimeType
	}
	if mt, ok := mimeTypes[ext]; ok {
		return mt
	}
	return defaultMimeType
}
