package imagecache

import (
	"bytes"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedInstance(t *testing.T) {
	require.NoError(t, ResetShared())
	t.Cleanup(func() { ResetShared() })

	c, err := InitShared(Config{CacheDir: t.TempDir()})
	require.NoError(t, err)

	got, err := Shared()
	require.NoError(t, err)
	assert.Same(t, c, got)

	_, err = InitShared(Config{CacheDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrSharedInitialized)

	require.NoError(t, ResetShared())
	// The old instance is closed.
	assert.ErrorIs(t, recv(t, c.ClearAllData()), ErrClosed)

	replacement, err := InitShared(Config{CacheDir: t.TempDir()})
	require.NoError(t, err)
	assert.NotSame(t, c, replacement)

	// Resetting twice is fine.
	require.NoError(t, ResetShared())
	require.NoError(t, ResetShared())
}

func TestStdCodecRoundTrip(t *testing.T) {
	codec := StdCodec{}
	src, format, err := codec.Decode(pngBytes(t, 6, 4))
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	for _, f := range []string{"png", "jpeg", "gif", "bmp", "tiff"} {
		t.Run(f, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, codec.Encode(&buf, src, f))

			img, decodedFormat, err := codec.Decode(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, f, decodedFormat)
			assert.Equal(t, image.Rect(0, 0, 6, 4), img.Bounds())
		})
	}

	var buf bytes.Buffer
	assert.ErrorIs(t, codec.Encode(&buf, src, "webp"), ErrUnsupportedFormat)

	_, _, err = codec.Decode(nil)
	assert.Error(t, err)
	_, _, err = codec.Decode([]byte("definitely not an image"))
	assert.Error(t, err)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/png", ContentType("png"))
	assert.Equal(t, "image/jpeg", ContentType("jpg"))
	assert.Equal(t, "image/jpeg", ContentType("jpeg"))
	assert.Equal(t, "application/octet-stream", ContentType(""))
}
