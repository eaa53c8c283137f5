package webhook

// Bluesky and Discord constants used in rendered messages.
const (
	// BrandColor is the Bluesky blue used for every primary embed.
	BrandColor = 0x0385ff

	// BlueskyIcon is shown next to the author's handle in the footer.
	BlueskyIcon = "https://bsky.app/static/apple-touch-icon.png"

	appBaseURL   = "https://bsky.app"
	cdnBaseURL   = "https://cdn.bsky.app/img/feed_thumbnail/plain"
	videoBaseURL = "https://video.bsky.app/watch"

	// viewPostLabel is the markdown line appended to every description.
	viewPostLabel = "View Post"

	// Discord rejects embeds whose description exceeds 4096 characters and
	// usernames longer than 80.
	maxDescriptionRunes = 4096
	maxUsernameRunes    = 80
)

// discordError is the JSON body Discord returns with non-2xx responses.
type discordError struct {
	Message    string  `json:"message"`
	Code       int     `json:"code"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// Discord JSON error codes skyhook reacts to.
const (
	discordCodeUnknownWebhook = 10015
)
