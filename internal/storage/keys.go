package storage

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// VideoKey is where a user's source video lives: {userId}/{ts}.{ext}
func VideoKey(userID string, at time.Time, filename string) string {
	return fmt.Sprintf("%s/%d.%s", userID, at.UnixMilli(), videoExt(filename))
}

// MaskKey is where a task's mask lives: {userId}/masks/{ts}.{ext}
func MaskKey(userID string, at time.Time, ext string) string {
	return fmt.Sprintf("%s/masks/%d.%s", userID, at.UnixMilli(), strings.TrimPrefix(ext, "."))
}

func videoExt(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ext == "" {
		return "mp4"
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "mp4"
		}
	}
	return ext
}
