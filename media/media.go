// Package media implements the MediaStore: it downloads supplier-submitted
// media, verifies it against the allowed MIME/size/magic-number envelope,
// scans for embedded active content, and persists it content-addressed on
// local disk.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Louguiman/tekra-submissions/apierr"
	"github.com/Louguiman/tekra-submissions/idgen"
	"github.com/Louguiman/tekra-submissions/safety"
)

// Schema is the DDL for the media_asset table.
const Schema = `
CREATE TABLE IF NOT EXISTS media_asset (
	media_id     TEXT PRIMARY KEY,
	submission_id TEXT,
	filename     TEXT NOT NULL,
	mime_type    TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	sha256       TEXT NOT NULL,
	local_path   TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_media_asset_submission ON media_asset(submission_id);
`

// MaxSizeBytes is the maximum accepted media size (50 MiB).
const MaxSizeBytes int64 = 50 << 20

// allowedMIME maps accepted MIME types to their expected magic-number prefix
// checker. A type absent from this map is rejected outright.
var allowedMIME = map[string]func([]byte) bool{
	"image/jpeg":      hasPrefix([]byte{0xFF, 0xD8, 0xFF}),
	"image/png":       hasPrefix([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}),
	"image/gif":       isGIF,
	"image/webp":      isWebP,
	"application/pdf": hasPrefix([]byte("%PDF-")),
	"audio/ogg":       hasPrefix([]byte("OggS")),
	"audio/mpeg":      isMP3,
	"video/mp4":       isMP4,
	"audio/amr":       hasPrefix([]byte("#!AMR")),
}

func isGIF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a"))
}

// isMP4 sniffs for the ISO base media "ftyp" box: a 4-byte big-endian box
// size followed by the literal "ftyp" at offset 4.
func isMP4(data []byte) bool {
	return len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp"))
}

func hasPrefix(prefix []byte) func([]byte) bool {
	return func(data []byte) bool { return bytes.HasPrefix(data, prefix) }
}

func isWebP(data []byte) bool {
	return len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP"))
}

func isMP3(data []byte) bool {
	if len(data) < 3 {
		return false
	}
	return bytes.HasPrefix(data, []byte("ID3")) || (data[0] == 0xFF && data[1]&0xE0 == 0xE0)
}

// suspiciousMarkers are byte sequences MediaStore refuses to persist even
// when the container format and magic number check out.
var suspiciousMarkers = [][]byte{
	[]byte("/JavaScript"),
	[]byte("/JS"),
	[]byte("<script"),
	[]byte("javascript:"),
	[]byte("onerror="),
	[]byte("onload="),
}

// Asset is a persisted media record.
type Asset struct {
	MediaID      string
	SubmissionID string
	Filename     string
	MimeType     string
	SizeBytes    int64
	SHA256       string
	LocalPath    string
	CreatedAt    time.Time
}

// Store is the MediaStore.
type Store struct {
	db       *sql.DB
	newID    idgen.Generator
	baseDir  string
	client   *http.Client
	fetchURL func(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, string, error)
}

// New creates a Store rooted at baseDir. The caller must have applied
// Schema and must ensure baseDir exists.
func New(db *sql.DB, baseDir string, opts ...Option) *Store {
	s := &Store{
		db:      db,
		newID:   idgen.Prefixed("med_", idgen.Default),
		baseDir: baseDir,
		client:  &http.Client{Timeout: 20 * time.Second},
	}
	s.fetchURL = defaultFetch
	for _, o := range opts {
		o(s)
	}
	return s
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the media ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// WithHTTPClient overrides the HTTP client used to download remote media.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// Fetch downloads media from url, validates it, and persists it
// content-addressed under baseDir. On any validation failure it returns a
// typed *apierr.Error and persists nothing: KindDownloadFailed for an unsafe
// URL or a failed download, KindSuspicious for a rejected filename or
// embedded active content, KindBadRequest for oversized media or an
// unsupported type, and KindIntegrityFailure when the content does not match
// the declared type.
func (s *Store) Fetch(ctx context.Context, url, submissionID, declaredFilename string) (*Asset, error) {
	if err := safety.ValidateURL(url); err != nil {
		return nil, apierr.Wrap(apierr.KindDownloadFailed, "media URL failed safety check", err)
	}
	if err := safety.ValidateFilename(declaredFilename); err != nil {
		return nil, apierr.Wrap(apierr.KindSuspicious, "rejected filename", err)
	}

	data, contentType, err := s.fetchURL(ctx, s.client, url, MaxSizeBytes)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindDownloadFailed, "media download failed", err)
	}
	return s.persist(ctx, data, contentType, submissionID, declaredFilename)
}

// Ingest validates and persists media already held in memory (e.g. a
// multipart upload from the admin API), following the same checks Fetch
// applies to downloaded media.
func (s *Store) Ingest(ctx context.Context, data []byte, contentType, submissionID, declaredFilename string) (*Asset, error) {
	if err := safety.ValidateFilename(declaredFilename); err != nil {
		return nil, apierr.Wrap(apierr.KindSuspicious, "rejected filename", err)
	}
	return s.persist(ctx, data, contentType, submissionID, declaredFilename)
}

func (s *Store) persist(ctx context.Context, data []byte, contentType, submissionID, declaredFilename string) (*Asset, error) {
	if int64(len(data)) > MaxSizeBytes {
		return nil, apierr.New(apierr.KindBadRequest, fmt.Sprintf("media exceeds %d byte limit", MaxSizeBytes))
	}

	mime := normalizeMIME(contentType)
	checkMagic, ok := allowedMIME[mime]
	if !ok {
		return nil, apierr.New(apierr.KindBadRequest, fmt.Sprintf("unsupported media type %q", mime))
	}
	if !checkMagic(data) {
		return nil, apierr.New(apierr.KindIntegrityFailure, "file content does not match declared media type")
	}
	for _, marker := range suspiciousMarkers {
		if bytes.Contains(data, marker) {
			return nil, apierr.New(apierr.KindSuspicious, "embedded active content detected")
		}
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	relDir := filepath.Join(digest[:2], digest[2:4])
	ext := extensionFor(mime)
	relPath := filepath.Join(relDir, digest+ext)
	absPath := filepath.Join(s.baseDir, relPath)

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, apierr.Wrap(apierr.KindSinkUnavailable, "could not create media directory", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		if err := os.WriteFile(absPath, data, 0o644); err != nil {
			return nil, apierr.Wrap(apierr.KindSinkUnavailable, "could not write media file", err)
		}
	}

	id := s.newID()
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_asset (media_id, submission_id, filename, mime_type, size_bytes, sha256, local_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, submissionID, declaredFilename, mime, len(data), digest, relPath, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("media: persist: %w", err)
	}

	return &Asset{
		MediaID:      id,
		SubmissionID: submissionID,
		Filename:     declaredFilename,
		MimeType:     mime,
		SizeBytes:    int64(len(data)),
		SHA256:       digest,
		LocalPath:    relPath,
		CreatedAt:    now,
	}, nil
}

// Get loads an asset by ID.
func (s *Store) Get(ctx context.Context, id string) (*Asset, error) {
	var a Asset
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT media_id, submission_id, filename, mime_type, size_bytes, sha256, local_path, created_at
		FROM media_asset WHERE media_id = ?`, id).
		Scan(&a.MediaID, &a.SubmissionID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.SHA256, &a.LocalPath, &createdAt)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.KindNotFound, "media asset not found: "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("media: get: %w", err)
	}
	a.CreatedAt = time.UnixMilli(createdAt)
	return &a, nil
}

// AbsolutePath returns the absolute filesystem path for an asset's local
// storage location.
func (s *Store) AbsolutePath(a *Asset) string {
	return filepath.Join(s.baseDir, a.LocalPath)
}

func normalizeMIME(contentType string) string {
	mime := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	return strings.ToLower(mime)
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "video/mp4":
		return ".mp4"
	case "audio/amr":
		return ".amr"
	default:
		return ""
	}
}

func defaultFetch(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("media: unexpected status %d", resp.StatusCode)
	}
	data, err := safety.LimitedReadAll(resp.Body, maxBytes)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}
