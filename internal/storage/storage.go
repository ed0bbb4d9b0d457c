package storage

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("object not found")

// Object describes a stored attachment.
type Object struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// Storage keeps attachment bodies. Keys are produced by ObjectKey so the
// owning conversation and uploader can be recovered from them.
type Storage interface {
	Put(ctx context.Context, conversationID uuid.UUID, userID, fileName, contentType string, size int64, body io.Reader) (*Object, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	URL(key string) string
}

const keyPrefix = "conversations"

// ObjectKey is conversations/<conversation>/<user>/<ulid>-<name>. The user
// segment is path-escaped, so any identity maps to exactly one segment.
func ObjectKey(conversationID uuid.UUID, userID, fileName string) string {
	return strings.Join([]string{
		keyPrefix,
		conversationID.String(),
		escapeSegment(userID),
		ulid.Make().String() + "-" + cleanName(fileName),
	}, "/")
}

// OwnerOf parses a key produced by ObjectKey.
func OwnerOf(key string) (uuid.UUID, string, error) {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	if len(parts) != 4 || parts[0] != keyPrefix || parts[2] == "" || parts[3] == "" {
		return uuid.Nil, "", errors.Wrapf(ErrNotFound, "malformed key %q", key)
	}
	conversationID, err := uuid.Parse(parts[1])
	if err != nil {
		return uuid.Nil, "", errors.Wrapf(ErrNotFound, "malformed key %q", key)
	}
	userID, err := url.PathUnescape(parts[2])
	if err != nil {
		return uuid.Nil, "", errors.Wrapf(ErrNotFound, "malformed key %q", key)
	}
	return conversationID, userID, nil
}

func escapeSegment(s string) string {
	s = url.PathEscape(s)
	if strings.Trim(s, ".") == "" {
		s = strings.ReplaceAll(s, ".", "%2E")
	}
	return s
}

// urlPath escapes each key segment for use in a URL path.
func urlPath(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func cleanName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return name
}
