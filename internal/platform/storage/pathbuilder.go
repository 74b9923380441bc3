package storage

import (
	"fmt"
	"net/url"
	"strings"
)

const defaultPublicEndpoint = "https://storage.googleapis.com"

// UploadObjectPath composes uploads/{userID}/{uploadID}/{fileName}.
func UploadObjectPath(userID, uploadID, fileName string) (string, error) {
	user, err := validateSegment("userID", userID)
	if err != nil {
		return "", err
	}
	upload, err := validateSegment("uploadID", uploadID)
	if err != nil {
		return "", err
	}
	name, err := validateFileName(fileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("uploads/%s/%s/%s", user, upload, name), nil
}

// PublicURL renders the object URL under endpoint, or the public GCS endpoint when empty.
func PublicURL(endpoint, bucket, object string) string {
	base := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if base == "" {
		base = defaultPublicEndpoint
	}
	segments := strings.Split(object, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return base + "/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}
