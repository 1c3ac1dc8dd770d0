package utils

import (
	"mime"
	"net/http"
)

// DetectMimeAndExt sniffs a byte slice to determine its MIME type and a
// standard file extension. Returns ("application/octet-stream", ".bin")
// when identification fails.
func DetectMimeAndExt(data []byte) (string, string) {
	mimeType := "application/octet-stream"
	if len(data) > 0 {
		mimeType = http.DetectContentType(data)
	}
	return mimeType, mimeToExt(mimeType)
}

func mimeToExt(mimeType string) string {
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}
