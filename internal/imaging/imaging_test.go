package imaging

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/cmsj/dreambot/internal/errors"
)

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func imageServer(t *testing.T, contentType string, body []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestShrink_WideImage(t *testing.T) {
	out := Shrink(image.NewRGBA(image.Rect(0, 0, 1024, 256)))
	assert.Equal(t, 512, out.Bounds().Dx())
	assert.Equal(t, 128, out.Bounds().Dy())
}

func TestShrink_TallImage(t *testing.T) {
	out := Shrink(image.NewRGBA(image.Rect(0, 0, 256, 1024)))
	assert.Equal(t, 128, out.Bounds().Dx())
	assert.Equal(t, 512, out.Bounds().Dy())
}

func TestShrink_SmallImageUntouched(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 50))
	assert.Equal(t, image.Image(src), Shrink(src))
}

func TestFetch_ConvertsToJPEG(t *testing.T) {
	server := imageServer(t, "image/png", pngImage(t, 1024, 768))

	data, err := Fetch(context.Background(), http.DefaultClient, server.URL)
	require.NoError(t, err)

	img, kind, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", kind)
	assert.Equal(t, 512, img.Bounds().Dx())
	assert.Equal(t, 384, img.Bounds().Dy())
}

func TestFetch_SmallImageKeepsSize(t *testing.T) {
	server := imageServer(t, "image/png", pngImage(t, 64, 48))

	data, err := Fetch(context.Background(), http.DefaultClient, server.URL)
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())
}

func TestFetch_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	_, err := Fetch(context.Background(), http.DefaultClient, server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, derrors.ErrImageFetch)
	assert.EqualError(t, err, "Unable to fetch: 404")
}

func TestFetch_NotAnImage(t *testing.T) {
	server := imageServer(t, "text/html", []byte("<html></html>"))

	_, err := Fetch(context.Background(), http.DefaultClient, server.URL)
	require.Error(t, err)
	assert.EqualError(t, err, "URL was not an image: text/html")
}

func TestFetch_Undecodable(t *testing.T) {
	server := imageServer(t, "image/png", []byte("not really a png"))

	_, err := Fetch(context.Background(), http.DefaultClient, server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unable to decode image")
}

func TestFetch_UnreachableHost(t *testing.T) {
	_, err := Fetch(context.Background(), http.DefaultClient, "http://127.0.0.1:1/x.png")
	require.Error(t, err)
	assert.ErrorIs(t, err, derrors.ErrImageFetch)
	assert.Contains(t, err.Error(), "Unable to fetch:")
}
