package encoder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildArgsLandscape(t *testing.T) {
	args := BuildArgs(Request{VideoPath: "/media/clip.mp4", IngestionKey: "abc123"})
	require.Equal(t, "-re -stream_loop -1 -i /media/clip.mp4 -c:v libx264 -preset veryfast -b:v 2500k -maxrate 2500k -bufsize 5000k -g 60 -keyint_min 60 -c:a aac -b:a 128k -f flv rtmp://a.rtmp.youtube.com/live2/abc123",
		strings.Join(args, " "))
}

func TestBuildArgsVertical(t *testing.T) {
	args := BuildArgs(Request{VideoPath: "clip.mp4", IngestionKey: "abc123", IngestionURL: "rtmp://b.rtmp.youtube.com/live2/", Profile: ProfileVertical})
	joined := strings.Join(args, " ")
	require.Contains(t, joined, "-b:a 128k -vf scale=720:1280 -f flv rtmp://b.rtmp.youtube.com/live2/abc123")
}

func TestDestination(t *testing.T) {
	require.Equal(t, "rtmp://a.rtmp.youtube.com/live2/key", Destination("", "key"))
	require.Equal(t, "rtmp://x/app/key", Destination("rtmp://x/app/key", "key"))
	require.Equal(t, "rtmp://x/app", Destination("rtmp://x/app", ""))
}

func TestParseProfile(t *testing.T) {
	require.Equal(t, ProfileVertical, ParseProfile("Shorts"))
	require.Equal(t, ProfileVertical, ParseProfile("vertical"))
	require.Equal(t, ProfileLandscape, ParseProfile(""))
}

func TestDescribeOmitsDestination(t *testing.T) {
	args := BuildArgs(Request{VideoPath: "clip.mp4", IngestionKey: "secret-key"})
	require.NotContains(t, describe("ffmpeg", args), "secret-key")
	require.True(t, strings.HasPrefix(describe("ffmpeg", args), "ffmpeg -re -stream_loop -1 -i clip.mp4"))
}
