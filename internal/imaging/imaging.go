// Package imaging fetches remote images and shrinks them for the image
// backends. User-supplied pictures are re-encoded as bounded JPEGs before
// they go anywhere near a generation service.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strings"

	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"

	derrors "github.com/cmsj/dreambot/internal/errors"
)

const (
	// MaxFetchBytes caps how much image data Fetch will download.
	MaxFetchBytes = 16 << 20

	// ThumbnailMax bounds both axes of a fetched image.
	ThumbnailMax = 512
)

// Error is a user-facing failure in the image pipeline. Its text goes into
// the error reply verbatim.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return derrors.ErrImageFetch }

// Errorf builds an Error with a formatted message.
func Errorf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Fetch downloads an image and shrinks it: the body is size-capped, the
// content type must be image/*, and the result is scaled to fit
// ThumbnailMax on both axes and re-encoded as JPEG.
func Fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Errorf("Unable to fetch: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, Errorf("Unable to fetch: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, Errorf("Unable to fetch: %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, Errorf("URL was not an image: %s", contentType)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchBytes+1))
	if err != nil {
		return nil, Errorf("Unable to fetch: %v", err)
	}
	if len(raw) > MaxFetchBytes {
		return nil, Errorf("Image too large, limit is %d bytes", MaxFetchBytes)
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, Errorf("Unable to decode image: %v", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Shrink(src), nil); err != nil {
		return nil, Errorf("Unable to encode image: %v", err)
	}
	return buf.Bytes(), nil
}

// Shrink scales an image down to fit ThumbnailMax on both axes, keeping the
// aspect ratio. Images already small enough pass through untouched.
func Shrink(src image.Image) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= ThumbnailMax && h <= ThumbnailMax {
		return src
	}

	scale := float64(ThumbnailMax) / float64(w)
	if hs := float64(ThumbnailMax) / float64(h); hs < scale {
		scale = hs
	}
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}
