// Package storage keeps uploaded objects on local disk and hands out the
// public URL they are served under.
package storage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/nfnt/resize"
)

const (
	BucketListingImages   = "listing-images"
	BucketChatAttachments = "chat-attachments"

	// MaxImageWidth is the width images are scaled down to. Height follows the
	// aspect ratio.
	MaxImageWidth = 800
	jpegQuality   = 80
)

var (
	ErrInvalidBucket    = errors.New("invalid bucket name")
	ErrUnsupportedType  = errors.New("unsupported file type")
	ErrUndecodableImage = errors.New("failed to decode image")
)

var bucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// Files that are stored without processing.
var passthroughExt = map[string]bool{
	".pdf":  true,
	".gif":  true,
	".webp": true,
	".txt":  true,
}

type FileStore struct {
	root    string
	baseURL string
}

func NewFileStore(root, baseURL string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &FileStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *FileStore) Root() string {
	return s.root
}

// Put stores the object read from r in bucket and returns its public URL.
// PNG and JPEG images wider than MaxImageWidth are scaled down; every image is
// re-encoded as JPEG.
func (s *FileStore) Put(ctx context.Context, bucket, filename string, r io.Reader) (string, error) {
	if !bucketPattern.MatchString(bucket) {
		return "", ErrInvalidBucket
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create bucket dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	var name string
	var err error
	switch {
	case ext == ".png" || ext == ".jpg" || ext == ".jpeg":
		name, err = s.putImage(dir, ext, r)
	case passthroughExt[ext]:
		name, err = s.putRaw(dir, ext, r)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
	if err != nil {
		return "", err
	}

	slog.Debug("Stored object", "bucket", bucket, "name", name, "original", filename)
	return s.URL(bucket, name), nil
}

func (s *FileStore) URL(bucket, name string) string {
	return s.baseURL + "/" + bucket + "/" + name
}

func (s *FileStore) putImage(dir, ext string, r io.Reader) (string, error) {
	var img image.Image
	var err error
	if ext == ".png" {
		img, err = png.Decode(r)
	} else {
		img, err = jpeg.Decode(r)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecodableImage, err)
	}

	if img.Bounds().Dx() > MaxImageWidth {
		img = resize.Resize(MaxImageWidth, 0, img, resize.Lanczos3)
	}

	name := fmt.Sprintf("%s.jpg", uuid.New().String())
	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to create image file: %w", err)
	}
	defer out.Close()

	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	return name, nil
}

func (s *FileStore) putRaw(dir, ext string, r io.Reader) (string, error) {
	name := uuid.New().String() + ext
	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return name, nil
}
