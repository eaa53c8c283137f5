package types

import (
	"time"
)

// PostCollection is the only collection skyhook subscribes to.
const PostCollection = "app.bsky.feed.post"

// Destination identifies a Discord webhook endpoint.
// The pair (ID, Token) is unique in the registry.
type Destination struct {
	ID    string       `json:"id"`
	Token SecretString `json:"token"`
}

// Key returns a comparable identity for set membership. It contains the raw
// token and must not be logged.
func (d Destination) Key() string {
	return d.ID + "/" + d.Token.Unmask()
}

// Webhook is a persisted registration: a destination interested in one DID.
type Webhook struct {
	ID        string
	Token     SecretString
	DID       string
	CreatedAt time.Time
}

// Destination returns the delivery target for this registration.
func (w Webhook) Destination() Destination {
	return Destination{ID: w.ID, Token: w.Token}
}

// Profile is the subset of app.bsky.actor.getProfile skyhook renders.
type Profile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Facet annotates the byte range [ByteStart, ByteEnd) of a post's UTF-8 text.
type Facet struct {
	ByteStart int
	ByteEnd   int
	Kind      FacetKind
	// Target is the link URI, the mentioned DID, or the tag text.
	Target string
}

// Embed is the media attached to a post. Exactly one of the concrete types
// below; nil when the post has no media skyhook can render.
type Embed interface {
	isEmbed()
}

// ImageRef points at an image either by blob CID (raw records) or by a fully
// hydrated URL (feed views).
type ImageRef struct {
	CID string
	URL string
	Alt string
}

// ImagesEmbed is app.bsky.embed.images.
type ImagesEmbed struct {
	Images []ImageRef
}

// VideoEmbed is app.bsky.embed.video. CID is the video blob; the thumbnail is
// derived from it unless ThumbnailURL is already known.
type VideoEmbed struct {
	CID          string
	ThumbnailURL string
}

// ExternalEmbed is app.bsky.embed.external (a link card).
type ExternalEmbed struct {
	URI   string
	Title string
	Thumb *ImageRef
}

func (ImagesEmbed) isEmbed()   {}
func (VideoEmbed) isEmbed()    {}
func (ExternalEmbed) isEmbed() {}

// PostRecord is an app.bsky.feed.post as delivered by the firehose.
type PostRecord struct {
	AuthorDID string
	RKey      string
	CreatedAt time.Time
	Text      string
	Facets    []Facet
	Embed     Embed
	IsReply   bool
}

// CommitEvent is one repository commit from the stream.
type CommitEvent struct {
	DID        string
	TimeUS     int64
	Operation  CommitOperation
	Collection string
	RKey       string
	CID        string
	// Record is nil for deletes and for collections skyhook does not decode.
	Record *PostRecord
}

// OutboundMessage is the Discord execute-webhook body.
type OutboundMessage struct {
	Username  string          `json:"username,omitempty"`
	AvatarURL string          `json:"avatar_url,omitempty"`
	Embeds    []RenderedEmbed `json:"embeds"`
}

// Timestamp returns the primary embed timestamp, used to order deliveries.
func (m OutboundMessage) Timestamp() string {
	if len(m.Embeds) == 0 {
		return ""
	}
	return m.Embeds[0].Timestamp
}

// RenderedEmbed is a Discord embed object.
type RenderedEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Color       int          `json:"color,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Image       *EmbedImage  `json:"image,omitempty"`
}

type EmbedFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

type EmbedImage struct {
	URL string `json:"url"`
}

// DeliveryResult is the classified outcome of one webhook execution.
type DeliveryResult struct {
	Destination Destination
	Outcome     DeliveryOutcome
	StatusCode  int
	// RetryAfter is the provider's requested wait on a 429, zero otherwise.
	RetryAfter time.Duration
	Err        error
}
