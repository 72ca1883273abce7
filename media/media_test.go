package media_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/Louguiman/tekra-submissions/apierr"
	"github.com/Louguiman/tekra-submissions/dbopen"
	"github.com/Louguiman/tekra-submissions/media"
)

func newTestStore(t *testing.T) *media.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(media.Schema))
	return media.New(db, t.TempDir())
}

var pngBytes = append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{0x00}, 32)...)

func TestIngestValidPNG(t *testing.T) {
	s := newTestStore(t)
	asset, err := s.Ingest(context.Background(), pngBytes, "image/png", "sub_1", "photo.png")
	if err != nil {
		t.Fatal(err)
	}
	if asset.MimeType != "image/png" {
		t.Fatalf("mime type = %s, want image/png", asset.MimeType)
	}
	if asset.SHA256 == "" {
		t.Fatal("expected a sha256 digest")
	}
}

func TestIngestRejectsMagicNumberMismatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Ingest(context.Background(), []byte("not actually a png"), "image/png", "sub_1", "photo.png")
	if !apierr.Is(err, apierr.KindIntegrityFailure) {
		t.Fatalf("expected IntegrityFailure, got %v", err)
	}
}

func TestIngestValidGIF(t *testing.T) {
	s := newTestStore(t)
	gifBytes := append([]byte("GIF89a"), bytes.Repeat([]byte{0x00}, 16)...)
	asset, err := s.Ingest(context.Background(), gifBytes, "image/gif", "sub_1", "photo.gif")
	if err != nil {
		t.Fatal(err)
	}
	if asset.MimeType != "image/gif" {
		t.Fatalf("mime type = %s, want image/gif", asset.MimeType)
	}
}

func TestIngestValidMP4(t *testing.T) {
	s := newTestStore(t)
	mp4Bytes := append([]byte{0x00, 0x00, 0x00, 0x18}, append([]byte("ftyp"), bytes.Repeat([]byte{0x00}, 16)...)...)
	asset, err := s.Ingest(context.Background(), mp4Bytes, "video/mp4", "sub_1", "clip.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if asset.MimeType != "video/mp4" {
		t.Fatalf("mime type = %s, want video/mp4", asset.MimeType)
	}
}

func TestIngestValidAMR(t *testing.T) {
	s := newTestStore(t)
	amrBytes := append([]byte("#!AMR"), bytes.Repeat([]byte{0x00}, 16)...)
	asset, err := s.Ingest(context.Background(), amrBytes, "audio/amr", "sub_1", "voice.amr")
	if err != nil {
		t.Fatal(err)
	}
	if asset.MimeType != "audio/amr" {
		t.Fatalf("mime type = %s, want audio/amr", asset.MimeType)
	}
}

func TestIngestRejectsUnsupportedType(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Ingest(context.Background(), []byte("<html></html>"), "text/html", "sub_1", "page.html")
	if !apierr.Is(err, apierr.KindBadRequest) {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}

func TestIngestRejectsSuspiciousContent(t *testing.T) {
	s := newTestStore(t)
	payload := append(append([]byte{}, pngBytes...), []byte("<script>evil()</script>")...)
	_, err := s.Ingest(context.Background(), payload, "image/png", "sub_1", "photo.png")
	if !apierr.Is(err, apierr.KindSuspicious) {
		t.Fatalf("expected Suspicious, got %v", err)
	}
}

func TestIngestRejectsSuspiciousFilename(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Ingest(context.Background(), pngBytes, "image/png", "sub_1", "../../etc/passwd.png")
	if !apierr.Is(err, apierr.KindSuspicious) {
		t.Fatalf("expected Suspicious, got %v", err)
	}
}

func TestIngestRejectsOversizedMedia(t *testing.T) {
	s := newTestStore(t)
	oversized := make([]byte, media.MaxSizeBytes+1)
	_, err := s.Ingest(context.Background(), oversized, "image/png", "sub_1", "big.png")
	if !apierr.Is(err, apierr.KindBadRequest) {
		t.Fatalf("expected BadRequest for oversized media, got %v", err)
	}
}

func TestFetchRejectsSSRF(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Fetch(context.Background(), "http://127.0.0.1:9/internal", "sub_1", "photo.png")
	if !apierr.Is(err, apierr.KindDownloadFailed) {
		t.Fatalf("expected DownloadFailed for SSRF target, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "med_missing")
	if !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
