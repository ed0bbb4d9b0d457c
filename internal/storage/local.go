package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// LocalStorage writes attachments under a directory served at baseURL.
type LocalStorage struct {
	dir     string
	baseURL string
	logger  zerolog.Logger
}

func NewLocalStorage(dir, baseURL string, logger zerolog.Logger) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}
	return &LocalStorage{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger.With().Str("component", "storage").Str("driver", "local").Logger(),
	}, nil
}

func (s *LocalStorage) Dir() string { return s.dir }

func (s *LocalStorage) path(key string) (string, error) {
	if _, _, err := OwnerOf(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

func (s *LocalStorage) Put(ctx context.Context, conversationID uuid.UUID, userID, fileName, contentType string, size int64, body io.Reader) (*Object, error) {
	key := ObjectKey(conversationID, userID, fileName)
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, errors.Wrap(err, "create object dir")
	}

	f, err := os.Create(p)
	if err != nil {
		return nil, errors.Wrap(err, "create object")
	}
	written, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(p)
		return nil, errors.Wrap(err, "write object")
	}

	s.logger.Debug().Str("key", key).Int64("size", written).Msg("object stored")
	return &Object{
		Key:         key,
		URL:         s.URL(key),
		FileName:    fileName,
		ContentType: contentType,
		Size:        written,
	}, nil
}

func (s *LocalStorage) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return errors.Wrap(err, "remove object")
	}
	return nil
}

func (s *LocalStorage) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, nil
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "stat object")
	}
	return true, nil
}

func (s *LocalStorage) URL(key string) string {
	return s.baseURL + "/" + urlPath(key)
}
