package media

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// The content-type and size gates run before any object storage call,
// so a bare Service is enough to exercise them.

func TestUploadProjectImageRejectsNonImages(t *testing.T) {
	svc := &Service{bucket: "project-images"}

	_, err := svc.UploadProjectImage(context.Background(), "prj_1", "report.pdf", "application/pdf", 1024, strings.NewReader("%PDF-1.4"))
	if !errors.Is(err, ErrNotImage) {
		t.Fatalf("expected ErrNotImage, got %v", err)
	}
}

func TestUploadProjectImageRejectsOversized(t *testing.T) {
	svc := &Service{bucket: "project-images"}

	_, err := svc.UploadProjectImage(context.Background(), "prj_1", "huge.png", "image/png", MaxImageSize+1, strings.NewReader(""))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty falls back", "", "image"},
		{"spaces replaced", "ekran resmi.png", "ekran_resmi.png"},
		{"path components stripped", "../../etc/passwd", "passwd"},
		{"windows path stripped", `C:\Users\x\shot.png`, "shot.png"},
		{"safe name untouched", "logo-v2_final.PNG", "logo-v2_final.PNG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeFilename(tt.in); got != tt.want {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
