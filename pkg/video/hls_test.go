package video

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=2000000,CODECS="avc1.64001f"
getHLSMediaPlaylist.m3u8?SessionToken=abc
`

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:1207
#EXT-X-PROGRAM-DATE-TIME:2024-05-01T12:00:00.000Z
#EXTINF:4.000,
getMP4MediaFragment.mp4?FragmentNumber=91343852
#EXTINF:4.000,
getMP4MediaFragment.mp4?FragmentNumber=91343853
#EXTINF:4.000,
getMP4MediaFragment.mp4?FragmentNumber=91343854
`

func TestFirstVariantURI(t *testing.T) {
	assert.Equal(t, "getHLSMediaPlaylist.m3u8?SessionToken=abc", firstVariantURI([]byte(masterPlaylist)))
	assert.Equal(t, "", firstVariantURI([]byte(mediaPlaylist)))
}

func TestParseMediaPlaylist(t *testing.T) {
	pl := parseMediaPlaylist([]byte(mediaPlaylist))

	assert.Equal(t, int64(1207), pl.mediaSequence)
	assert.Equal(t, 4*time.Second, pl.targetDuration)
	require.Len(t, pl.segments, 3)

	assert.Equal(t, int64(1207), pl.segments[0].sequence)
	assert.Equal(t, int64(1209), pl.segments[2].sequence)
	assert.Equal(t, "getMP4MediaFragment.mp4?FragmentNumber=91343852", pl.segments[0].uri)

	// PDT applies to the tagged segment only
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, pl.segments[0].programDateTimeMs)
	assert.Equal(t, int64(0), pl.segments[1].programDateTimeMs)
}

func TestParseMediaPlaylistEmpty(t *testing.T) {
	pl := parseMediaPlaylist([]byte("#EXTM3U\n"))
	assert.Empty(t, pl.segments)
	assert.Equal(t, int64(0), pl.mediaSequence)
}

func TestSelectNew(t *testing.T) {
	r := &HLSReader{}
	pl := parseMediaPlaylist([]byte(mediaPlaylist))

	t.Run("first poll takes live edge only", func(t *testing.T) {
		r.nextSeq = -1
		fresh := r.selectNew(pl)
		require.Len(t, fresh, 1)
		assert.Equal(t, int64(1209), fresh[0].sequence)
	})

	t.Run("cursor filters seen segments", func(t *testing.T) {
		r.nextSeq = 1208
		fresh := r.selectNew(pl)
		require.Len(t, fresh, 2)
		assert.Equal(t, int64(1208), fresh[0].sequence)
	})

	t.Run("no new segments at live edge", func(t *testing.T) {
		r.nextSeq = 1210
		assert.Empty(t, r.selectNew(pl))
	})
}
