package lexicon

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"skyhook/internal/types"
)

// Embed view $type values, as hydrated by the AppView.
const (
	TypeEmbedImagesView          = "app.bsky.embed.images#view"
	TypeEmbedVideoView           = "app.bsky.embed.video#view"
	TypeEmbedExternalView        = "app.bsky.embed.external#view"
	TypeEmbedRecordWithMediaView = "app.bsky.embed.recordWithMedia#view"
)

// AuthorFeed is the app.bsky.feed.getAuthorFeed response.
type AuthorFeed struct {
	Feed   []FeedViewPost `json:"feed"`
	Cursor string         `json:"cursor,omitempty"`
}

// FeedViewPost is one feed entry. Reason is set for reposts.
type FeedViewPost struct {
	Post   PostView        `json:"post"`
	Reason json.RawMessage `json:"reason,omitempty"`
}

// PostView is app.bsky.feed.defs#postView.
type PostView struct {
	URI    string          `json:"uri"`
	CID    string          `json:"cid"`
	Author types.Profile   `json:"author"`
	Record Post            `json:"record"`
	Embed  json.RawMessage `json:"embed,omitempty"`
}

type embedView struct {
	Type   string `json:"$type"`
	Images []struct {
		Thumb    string `json:"thumb"`
		Fullsize string `json:"fullsize"`
		Alt      string `json:"alt"`
	} `json:"images,omitempty"`
	CID       string `json:"cid,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	External  *struct {
		URI   string `json:"uri"`
		Title string `json:"title"`
		Thumb string `json:"thumb,omitempty"`
	} `json:"external,omitempty"`
	Media json.RawMessage `json:"media,omitempty"`
}

// IsRepost reports whether the entry is a repost rather than an authored
// post.
func (f FeedViewPost) IsRepost() bool {
	return len(f.Reason) > 0 && string(f.Reason) != "null"
}

// ToRecord converts a post view to a PostRecord, preferring the hydrated
// embed (full-size image URLs) over the raw record's blob references.
func (v PostView) ToRecord() (types.PostRecord, error) {
	did, rkey, err := SplitPostURI(v.URI)
	if err != nil {
		return types.PostRecord{}, err
	}
	rec, err := v.Record.ToRecord(did, rkey)
	if err != nil {
		return types.PostRecord{}, err
	}
	if len(v.Embed) > 0 {
		if e, err := decodeEmbedView(v.Embed); err == nil && e != nil {
			rec.Embed = e
		}
	}
	return rec, nil
}

func decodeEmbedView(raw []byte) (types.Embed, error) {
	var ev embedView
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode embed view: %w", err)
	}

	switch ev.Type {
	case TypeEmbedImagesView:
		refs := make([]types.ImageRef, 0, len(ev.Images))
		for _, img := range ev.Images {
			u := img.Fullsize
			if u == "" {
				u = img.Thumb
			}
			if u != "" {
				refs = append(refs, types.ImageRef{URL: u, Alt: img.Alt})
			}
		}
		if len(refs) == 0 {
			return nil, nil
		}
		return types.ImagesEmbed{Images: refs}, nil
	case TypeEmbedVideoView:
		if ev.Thumbnail == "" && ev.CID == "" {
			return nil, nil
		}
		return types.VideoEmbed{CID: ev.CID, ThumbnailURL: ev.Thumbnail}, nil
	case TypeEmbedExternalView:
		if ev.External == nil {
			return nil, nil
		}
		ext := types.ExternalEmbed{URI: ev.External.URI, Title: ev.External.Title}
		if ev.External.Thumb != "" {
			ext.Thumb = &types.ImageRef{URL: ev.External.Thumb}
		}
		return ext, nil
	case TypeEmbedRecordWithMediaView:
		if len(ev.Media) == 0 {
			return nil, nil
		}
		return decodeEmbedView(ev.Media)
	}
	return nil, nil
}

// SplitPostURI splits at://{did}/app.bsky.feed.post/{rkey}.
func SplitPostURI(uri string) (did, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", fmt.Errorf("post uri %q: missing at:// scheme", uri)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != types.PostCollection || parts[0] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("post uri %q: not a post", uri)
	}
	return parts[0], parts[2], nil
}
