package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcache/internal/config"
)

func redSquarePNG(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	// Paint red so we can verify grayscale output has equal channels.
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testConfig() config.Config {
	return config.Config{
		FetchTimeout:   2 * time.Second,
		FetchMaxBytes:  2 * 1024 * 1024,
		ThumbnailWidth: 5,
	}
}

func TestFetcherReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	body, contentType, err := NewFetcher(time.Second, 1024).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<html>hello</html>", string(body))
	assert.Equal(t, "text/html", contentType)
}

func TestFetcherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/huge":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		}
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, 32)

	_, _, err := f.Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")

	_, _, err = f.Fetch(context.Background(), srv.URL+"/huge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestThumbnailResizeAndGrayscale(t *testing.T) {
	out, err := Thumbnail(redSquarePNG(t, 10), 5, true)
	require.NoError(t, err)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 5, img.Bounds().Dx())
	assert.Equal(t, 5, img.Bounds().Dy())
	r, g, b, _ := img.At(0, 0).RGBA()
	assert.True(t, r == g && g == b, "expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
}

func TestThumbnailRejectsNonImage(t *testing.T) {
	_, err := Thumbnail([]byte("not an image"), 5, false)
	assert.ErrorContains(t, err, "decode image")
}

func TestBuildFetchKeyIsNormalized(t *testing.T) {
	b := NewBuilder(testConfig())

	k1, _, err := b.Build(Request{URL: "https://www.Example.com/jobs/?utm_source=x&id=7"})
	require.NoError(t, err)
	k2, _, err := b.Build(Request{Kind: KindFetch, URL: "https://example.com/jobs?id=7#top"})
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Equal(t, "https://example.com/jobs?id=7", k1)
}

func TestBuildThumbnailKeyIncludesOptions(t *testing.T) {
	b := NewBuilder(testConfig())

	k, _, err := b.Build(Request{Kind: KindThumbnail, URL: "https://example.com/a.png"})
	require.NoError(t, err)
	assert.Equal(t, "thumbnail:w=5:g=false:https://example.com/a.png", k)

	k, _, err = b.Build(Request{Kind: KindThumbnail, URL: "https://example.com/a.png", Width: 64, Grayscale: true})
	require.NoError(t, err)
	assert.Equal(t, "thumbnail:w=64:g=true:https://example.com/a.png", k)
}

func TestBuildRejectsBadRequests(t *testing.T) {
	b := NewBuilder(testConfig())

	_, _, err := b.Build(Request{Kind: "transcode", URL: "https://example.com"})
	assert.ErrorIs(t, err, ErrUnsupportedKind)

	for _, raw := range []string{"", "example.com/page", "ftp://example.com/file", "https://"} {
		_, _, err := b.Build(Request{URL: raw})
		assert.ErrorIs(t, err, ErrInvalidURL, "url %q", raw)
	}
}

func TestBuiltThumbnailWorkRuns(t *testing.T) {
	data := redSquarePNG(t, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	_, work, err := NewBuilder(testConfig()).Build(Request{Kind: KindThumbnail, URL: srv.URL + "/red.png", Grayscale: true})
	require.NoError(t, err)

	out, err := work(context.Background())
	require.NoError(t, err)
	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())
}
