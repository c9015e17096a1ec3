package service

import (
	"errors"
	"io"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"proctoring-recorder/constant"
)

func TestParseRange(t *testing.T) {
	cases := []struct {
		header      string
		start, end  int64
		partial     bool
		unsatisfied bool
	}{
		{header: "", start: 0, end: 999},
		{header: "bytes=100-199", start: 100, end: 199, partial: true},
		{header: "bytes=900-", start: 900, end: 999, partial: true},
		{header: "bytes=-100", start: 900, end: 999, partial: true},
		{header: "bytes=-5000", start: 0, end: 999, partial: true},
		{header: "bytes=990-5000", start: 990, end: 999, partial: true},
		{header: "bytes=0-0", start: 0, end: 0, partial: true},
		{header: "bytes=1000-", unsatisfied: true},
		{header: "bytes=1000-1001", unsatisfied: true},
		{header: "bytes=-0", unsatisfied: true},
		{header: "bytes=0-10,20-30", start: 0, end: 999},
		{header: "bytes=200-100", start: 0, end: 999},
		{header: "bytes=abc-", start: 0, end: 999},
		{header: "items=0-10", start: 0, end: 999},
		{header: "bytes=10", start: 0, end: 999},
	}
	for _, tc := range cases {
		t.Run(tc.header, func(t *testing.T) {
			start, end, partial, err := ParseRange(tc.header, 1000)
			if tc.unsatisfied {
				var rangeErr *RangeError
				require.ErrorAs(t, err, &rangeErr)
				assert.Equal(t, int64(1000), rangeErr.Size)
				assert.ErrorIs(t, err, ErrRangeNotSatisfiable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.start, start)
			assert.Equal(t, tc.end, end)
			assert.Equal(t, tc.partial, partial)
		})
	}
}

func TestParseRangeEmptyObject(t *testing.T) {
	start, end, partial, err := ParseRange("", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(-1), end)
	assert.False(t, partial)

	_, _, _, err = ParseRange("bytes=0-", 0)
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestOpenSegmentServesByteRange(t *testing.T) {
	for _, kind := range []constant.StorageBackend{constant.StorageBackendLocal, constant.StorageBackendObjectStore} {
		t.Run(kind.String(), func(t *testing.T) {
			f := newFixture(t, withDefaultBackend(kind))
			sessionId := uuid.New()
			data := payload(1000)
			segment := f.ingest(t, sessionId, constant.ChannelWebcam, 0, data)

			media, err := f.media.OpenSegment(f.ctx, sessionId, segment.ID, "bytes=100-199")
			require.NoError(t, err)
			defer media.Body.Close()

			assert.True(t, media.Partial)
			assert.Equal(t, int64(100), media.Start)
			assert.Equal(t, int64(199), media.End)
			assert.Equal(t, int64(1000), media.TotalSize)
			assert.Equal(t, int64(100), media.Length())
			assert.Equal(t, "video/webm;codecs=vp8,opus", media.ContentType)

			body, err := io.ReadAll(media.Body)
			require.NoError(t, err)
			assert.Equal(t, data[100:200], body)
		})
	}
}

func TestOpenSegmentFullAndUnsatisfiable(t *testing.T) {
	f := newFixture(t)
	sessionId := uuid.New()
	data := payload(1000)
	segment := f.ingest(t, sessionId, constant.ChannelMicrophone, 0, data)

	media, err := f.media.OpenSegment(f.ctx, sessionId, segment.ID, "bytes=5-1,7-9")
	require.NoError(t, err)
	body, err := io.ReadAll(media.Body)
	media.Body.Close()
	require.NoError(t, err)
	assert.False(t, media.Partial)
	assert.Equal(t, data, body)

	_, err = f.media.OpenSegment(f.ctx, sessionId, segment.ID, "bytes=1000-")
	var rangeErr *RangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, int64(1000), rangeErr.Size)
}

func TestOpenSegmentErrors(t *testing.T) {
	f := newFixture(t)
	sessionId := uuid.New()
	segment := f.ingest(t, sessionId, constant.ChannelWebcam, 0, []byte("bytes"))

	_, err := f.media.OpenSegment(f.ctx, sessionId, uuid.New(), "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.media.OpenSegment(f.ctx, uuid.New(), segment.ID, "")
	assert.ErrorIs(t, err, ErrNotFound, "segments are scoped to their session")

	require.NoError(t, os.Remove(f.localPath(t, segment)))
	_, err = f.media.OpenSegment(f.ctx, sessionId, segment.ID, "")
	assert.ErrorIs(t, err, ErrConsistency)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestOpenRecording(t *testing.T) {
	f := newFixture(t)
	sessionId := uuid.New()
	f.ingest(t, sessionId, constant.ChannelScreen, 0, []byte("0123456789"))

	_, err := f.media.OpenRecording(f.ctx, sessionId, constant.ChannelScreen, "")
	assert.ErrorIs(t, err, ErrNotFound, "no recording before the first merge")

	_, err = f.media.OpenRecording(f.ctx, sessionId, "thermal", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.merge.Trigger(f.ctx, sessionId, constant.ChannelScreen)
	require.NoError(t, err)

	media, err := f.media.OpenRecording(f.ctx, sessionId, constant.ChannelScreen, "bytes=-3")
	require.NoError(t, err)
	defer media.Body.Close()
	body, err := io.ReadAll(media.Body)
	require.NoError(t, err)
	assert.Equal(t, "789", string(body))
	assert.Equal(t, int64(7), media.Start)
	assert.Equal(t, int64(10), media.TotalSize)
}

func TestListSegments(t *testing.T) {
	f := newFixture(t)
	sessionId := uuid.New()
	f.ingest(t, sessionId, constant.ChannelWebcam, 1, []byte("b"))
	f.ingest(t, sessionId, constant.ChannelWebcam, 0, []byte("a"))
	f.ingest(t, sessionId, constant.ChannelMicrophone, 0, []byte("m"))

	segments, err := f.media.ListSegments(f.ctx, sessionId)
	require.NoError(t, err)
	require.Len(t, segments, 3)
	assert.Equal(t, constant.ChannelMicrophone, segments[0].Channel)
	assert.Equal(t, 0, *segments[1].Sequence)
	assert.Equal(t, 1, *segments[2].Sequence)

	_, err = f.media.ListSegments(f.ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
