package internal

import (
	"strings"
)

const uploadPath = "/uploads/"
const profileImagePath = "/uploads/profile/"

// addThumbnailSuffix inserts "_thumbnail" before the file extension, or
// appends it when the path has none.
func addThumbnailSuffix(u string) string {
	lastDot := strings.LastIndex(u, ".")
	lastSlash := strings.LastIndex(u, "/")
	if lastDot > lastSlash && lastDot != -1 {
		return u[:lastDot] + "_thumbnail" + u[lastDot:]
	}
	return u + "_thumbnail"
}

// resolveUploadURL turns a stored image reference into an absolute URL
// against the server's upload base path. Already-absolute references pass
// through untouched.
func resolveUploadURL(baseURL, imageInfo string) string {
	if strings.HasPrefix(imageInfo, "http") {
		return imageInfo
	}
	if strings.HasPrefix(imageInfo, uploadPath) {
		return baseURL + imageInfo
	}
	return baseURL + uploadPath + imageInfo
}

// ThumbnailImageURL returns the downscaled-thumbnail URL for a stored image
// reference.
func ThumbnailImageURL(baseURL, imageInfo string) string {
	return addThumbnailSuffix(resolveUploadURL(baseURL, imageInfo))
}

// OriginalImageURL returns the full-resolution URL for a stored image
// reference.
func OriginalImageURL(baseURL, imageInfo string) string {
	return resolveUploadURL(baseURL, imageInfo)
}

// ProfileImageURL returns the avatar URL for a sender id.
func ProfileImageURL(baseURL, sender string) string {
	return baseURL + profileImagePath + sender + ".jpg"
}
