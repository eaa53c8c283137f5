package webhook

import (
	"fmt"
	"time"
	"unicode/utf8"

	"skyhook/internal/richtext"
	"skyhook/internal/types"
)

// BuildMessage renders a post as a Discord webhook message.
//
// The primary embed carries the rendered text, a trailing "View Post" link,
// the post URL and creation time, the brand color, and the first image. Every
// further image becomes an embed holding only the same URL and the image;
// Discord groups embeds sharing a URL into one gallery. A nil profile omits
// the username, avatar, and footer.
func BuildMessage(post types.PostRecord, profile *types.Profile, logger types.Logger) types.OutboundMessage {
	url := PostURL(post.AuthorDID, post.RKey)
	viewPost := fmt.Sprintf("\n\n-# [%s](%s)", viewPostLabel, url)
	description := richtext.Render(post.Text, post.Facets, logger)
	description = truncateMarkdown(description, maxDescriptionRunes-utf8.RuneCountInString(viewPost))

	primary := types.RenderedEmbed{
		Description: description + viewPost,
		URL:         url,
		Timestamp:   formatTimestamp(post.CreatedAt),
		Color:       BrandColor,
	}

	msg := types.OutboundMessage{}
	if profile != nil {
		if profile.Handle != "" {
			primary.Footer = &types.EmbedFooter{Text: profile.Handle, IconURL: BlueskyIcon}
		}
		msg.Username = truncateRunes(displayName(profile), maxUsernameRunes)
		msg.AvatarURL = profile.Avatar
	}

	images := ExtractImages(post.AuthorDID, post.Embed)
	if len(images) > 0 {
		primary.Image = &types.EmbedImage{URL: images[0]}
	}

	msg.Embeds = make([]types.RenderedEmbed, 0, max(1, len(images)))
	msg.Embeds = append(msg.Embeds, primary)
	for _, img := range images[min(1, len(images)):] {
		msg.Embeds = append(msg.Embeds, types.RenderedEmbed{
			URL:   url,
			Image: &types.EmbedImage{URL: img},
		})
	}

	return msg
}

// ExtractImages returns the displayable image URLs for an embed: every image
// of an image set, or the single thumbnail of a video or link card.
func ExtractImages(did string, embed types.Embed) []string {
	switch e := embed.(type) {
	case types.ImagesEmbed:
		urls := make([]string, 0, len(e.Images))
		for _, img := range e.Images {
			if u := imageURL(did, img); u != "" {
				urls = append(urls, u)
			}
		}
		return urls
	case types.VideoEmbed:
		if e.ThumbnailURL != "" {
			return []string{e.ThumbnailURL}
		}
		if e.CID != "" {
			return []string{VideoThumbnailURL(did, e.CID)}
		}
	case types.ExternalEmbed:
		if e.Thumb != nil {
			if u := imageURL(did, *e.Thumb); u != "" {
				return []string{u}
			}
		}
	}
	return nil
}

// PostURL is the canonical web URL of a post.
func PostURL(did, rkey string) string {
	return fmt.Sprintf("%s/profile/%s/post/%s", appBaseURL, did, rkey)
}

// ImageURL is the CDN thumbnail URL for an image blob.
func ImageURL(did, cid string) string {
	return fmt.Sprintf("%s/%s/%s", cdnBaseURL, did, cid)
}

// VideoThumbnailURL is the generated thumbnail for a video blob.
func VideoThumbnailURL(did, cid string) string {
	return fmt.Sprintf("%s/%s/%s/thumbnail.jpg", videoBaseURL, did, cid)
}

func imageURL(did string, ref types.ImageRef) string {
	if ref.URL != "" {
		return ref.URL
	}
	if ref.CID != "" {
		return ImageURL(did, ref.CID)
	}
	return ""
}

func displayName(p *types.Profile) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Handle
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
