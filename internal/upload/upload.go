// Package upload validates source videos, stores them and hands them to the
// editing step through short-lived upload sessions.
package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/suberase/internal/logging"
	"github.com/therealutkarshpriyadarshi/suberase/internal/metrics"
	"github.com/therealutkarshpriyadarshi/suberase/internal/storage"
	"github.com/therealutkarshpriyadarshi/suberase/pkg/models"
)

const (
	DefaultMaxSize    = 100 * 1024 * 1024 // 100MB
	DefaultSessionTTL = 24 * time.Hour
)

// DefaultAllowedTypes are the accepted source video MIME types
var DefaultAllowedTypes = []string{"video/mp4", "video/quicktime", "video/x-msvideo"}

var (
	ErrEmpty           = errors.New("no video provided")
	ErrTooLarge        = errors.New("file too large")
	ErrUnsupportedType = errors.New("invalid file type")
	ErrNotFound        = errors.New("upload session not found")
)

// ObjectStore stores an object and returns its fetchable URL
type ObjectStore interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error)
}

// SessionStore keeps upload sessions for a limited time
type SessionStore interface {
	SetUploadSession(ctx context.Context, session *models.UploadSession, ttl time.Duration) error
	GetUploadSession(ctx context.Context, userID, sessionID string) (*models.UploadSession, error)
	GetLatestUploadSession(ctx context.Context, userID string) (*models.UploadSession, error)
}

// Options holds upload limits
type Options struct {
	MaxSize      int64
	AllowedTypes []string
	SessionTTL   time.Duration
}

// Service handles source video uploads
type Service struct {
	objects  ObjectStore
	sessions SessionStore
	opts     Options
	allowed  map[string]bool
	logger   *logging.Logger
	now      func() time.Time
}

// NewService creates an upload service
func NewService(objects ObjectStore, sessions SessionStore, opts Options, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if len(opts.AllowedTypes) == 0 {
		opts.AllowedTypes = DefaultAllowedTypes
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}

	allowed := make(map[string]bool, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		allowed[strings.ToLower(t)] = true
	}

	return &Service{
		objects:  objects,
		sessions: sessions,
		opts:     opts,
		allowed:  allowed,
		logger:   logger,
		now:      time.Now,
	}
}

// Video is an incoming source video
type Video struct {
	UserID      string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Validate checks size and type limits without reading the body
func (s *Service) Validate(v Video) error {
	if v.Body == nil || v.Size <= 0 {
		return ErrEmpty
	}
	if v.Size > s.opts.MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, v.Size, s.opts.MaxSize)
	}
	if !s.allowed[mediaType(v.ContentType)] {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, v.ContentType)
	}
	return nil
}

// Store validates the video, writes it to object storage and records an
// upload session the owner can later reference by ID.
func (s *Service) Store(ctx context.Context, v Video) (*models.UploadSession, error) {
	if err := s.Validate(v); err != nil {
		metrics.RecordUpload("rejected", v.Size)
		return nil, err
	}

	now := s.now()
	key := storage.VideoKey(v.UserID, now, v.Filename)
	contentType := mediaType(v.ContentType)

	// Checksum while streaming, never read more than was declared.
	hash := md5.New()
	body := io.TeeReader(io.LimitReader(v.Body, v.Size), hash)

	url, err := s.objects.Upload(ctx, key, body, v.Size, contentType)
	if err != nil {
		metrics.RecordUpload("error", v.Size)
		return nil, fmt.Errorf("failed to store video: %w", err)
	}

	session := &models.UploadSession{
		ID:          uuid.New().String(),
		UserID:      v.UserID,
		URL:         url,
		Key:         key,
		Filename:    v.Filename,
		Size:        v.Size,
		ContentType: contentType,
		Checksum:    hex.EncodeToString(hash.Sum(nil)),
		CreatedAt:   now,
	}

	if err := s.sessions.SetUploadSession(ctx, session, s.opts.SessionTTL); err != nil {
		// The object is stored; the URL is still usable without a session.
		s.logger.WithUserID(v.UserID).WithError(err).Warn("Failed to save upload session")
	}

	metrics.RecordUpload("success", v.Size)
	s.logger.WithUserID(v.UserID).
		WithField("session_id", session.ID).
		WithField("key", key).
		WithField("size", v.Size).
		Info("Video uploaded")

	return session, nil
}

// Session returns an upload session owned by userID
func (s *Service) Session(ctx context.Context, userID, sessionID string) (*models.UploadSession, error) {
	session, err := s.sessions.GetUploadSession(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load upload session: %w", err)
	}
	if session == nil || session.UserID != userID {
		return nil, ErrNotFound
	}
	return session, nil
}

// Latest returns the user's most recent upload session
func (s *Service) Latest(ctx context.Context, userID string) (*models.UploadSession, error) {
	session, err := s.sessions.GetLatestUploadSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load upload session: %w", err)
	}
	if session == nil || session.UserID != userID {
		return nil, ErrNotFound
	}
	return session, nil
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.ToLower(mt)
}
