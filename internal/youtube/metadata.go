package youtube

import (
	"fmt"
	"strings"
)

// DefaultCategoryID is "People & Blogs".
const DefaultCategoryID = "22"

// Privacy values accepted by the broadcast status.
const (
	PrivacyPublic   = "public"
	PrivacyUnlisted = "unlisted"
	PrivacyPrivate  = "private"
)

// Category is a video category offered to the operator.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var categories = []Category{
	{ID: "1", Name: "Film & Animation"},
	{ID: "2", Name: "Autos & Vehicles"},
	{ID: "10", Name: "Music"},
	{ID: "15", Name: "Pets & Animals"},
	{ID: "17", Name: "Sports"},
	{ID: "20", Name: "Gaming"},
	{ID: "22", Name: "People & Blogs"},
	{ID: "23", Name: "Comedy"},
	{ID: "24", Name: "Entertainment"},
	{ID: "25", Name: "News & Politics"},
	{ID: "27", Name: "Education"},
	{ID: "28", Name: "Science & Technology"},
}

// Categories returns the selectable categories in display order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// CategoryName looks up the display name for a category id.
func CategoryName(id string) (string, bool) {
	id = strings.TrimSpace(id)
	for _, category := range categories {
		if category.ID == id {
			return category.Name, true
		}
	}
	return "", false
}

// NormalizeCategory returns DefaultCategoryID for an empty id and rejects
// ids outside the list.
func NormalizeCategory(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultCategoryID, nil
	}
	if _, ok := CategoryName(id); !ok {
		return "", fmt.Errorf("unknown category %q", id)
	}
	return id, nil
}

// NormalizePrivacy lower-cases the value and defaults to public.
func NormalizePrivacy(value string) (string, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "":
		return PrivacyPublic, nil
	case PrivacyPublic, PrivacyUnlisted, PrivacyPrivate:
		return value, nil
	}
	return "", fmt.Errorf("unknown privacy status %q", value)
}

// WatchURL is the public page for a broadcast.
func WatchURL(broadcastID string) string {
	return "https://www.youtube.com/watch?v=" + broadcastID
}

// StudioURL is the live control room for a broadcast.
func StudioURL(broadcastID string) string {
	return "https://studio.youtube.com/video/" + broadcastID + "/livestreaming"
}
