package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewSessionID returns session_YYYYMMDD_HHMMSS_<8 hex>. The random suffix
// keeps ids unique when two sessions start within the same second.
func NewSessionID(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "session_" + at.Format("20060102_150405") + "_" + suffix
}
