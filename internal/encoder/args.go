package encoder

import (
	"strings"
)

// DefaultIngestionBase is the primary YouTube RTMP ingestion endpoint.
const DefaultIngestionBase = "rtmp://a.rtmp.youtube.com/live2"

// Profile selects the output geometry.
type Profile string

const (
	// ProfileLandscape keeps the source geometry.
	ProfileLandscape Profile = "landscape"
	// ProfileVertical scales to 720x1280 for Shorts.
	ProfileVertical Profile = "vertical"
)

// ParseProfile maps operator input onto a Profile. "shorts" is accepted as
// an alias for vertical; anything else is landscape.
func ParseProfile(value string) Profile {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ProfileVertical), "shorts", "short":
		return ProfileVertical
	default:
		return ProfileLandscape
	}
}

// Destination returns the publish URL: the ingestion address with the stream
// key as the final path segment.
func Destination(ingestionURL, key string) string {
	base := strings.TrimSpace(ingestionURL)
	key = strings.TrimSpace(key)
	if base == "" {
		base = DefaultIngestionBase
	}
	base = strings.TrimRight(base, "/")
	if key == "" || strings.HasSuffix(base, "/"+key) {
		return base
	}
	return base + "/" + key
}

// BuildArgs renders the fixed ffmpeg argument list for a request. The input
// is looped forever and paced at native frame rate.
func BuildArgs(req Request) []string {
	args := []string{
		"-re", "-stream_loop", "-1",
		"-i", req.VideoPath,
		"-c:v", "libx264", "-preset", "veryfast",
		"-b:v", "2500k", "-maxrate", "2500k", "-bufsize", "5000k",
		"-g", "60", "-keyint_min", "60",
		"-c:a", "aac", "-b:a", "128k",
	}
	if req.Profile == ProfileVertical {
		args = append(args, "-vf", "scale=720:1280")
	}
	return append(args, "-f", "flv", Destination(req.IngestionURL, req.IngestionKey))
}

// describe is a log-safe rendering of the command line. It stops before the
// destination so the stream key never appears.
func describe(binary string, args []string) string {
	shown := args
	if len(shown) > 7 {
		shown = shown[:7]
	}
	return strings.Join(append([]string{binary}, shown...), " ") + " ..."
}
