// Package lexicon decodes app.bsky.feed.post records into domain types.
//
// Records arrive in two shapes: raw records from the firehose, where media
// is referenced by blob CID, and hydrated feed views from the AppView, where
// media carries ready-made CDN URLs. Both share the record fields handled
// here; view hydration is layered on by the caller.
package lexicon

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"skyhook/internal/types"
)

// Embed $type values.
const (
	TypeEmbedImages          = "app.bsky.embed.images"
	TypeEmbedVideo           = "app.bsky.embed.video"
	TypeEmbedExternal        = "app.bsky.embed.external"
	TypeEmbedRecordWithMedia = "app.bsky.embed.recordWithMedia"
)

// Post is the wire shape of an app.bsky.feed.post record.
type Post struct {
	Type      string          `json:"$type"`
	Text      string          `json:"text"`
	CreatedAt string          `json:"createdAt"`
	Facets    []Facet         `json:"facets,omitempty"`
	Reply     json.RawMessage `json:"reply,omitempty"`
	Embed     json.RawMessage `json:"embed,omitempty"`
	Langs     []string        `json:"langs,omitempty"`
}

// Facet is app.bsky.richtext.facet.
type Facet struct {
	Index    ByteSlice      `json:"index"`
	Features []FacetFeature `json:"features"`
}

// ByteSlice is app.bsky.richtext.facet#byteSlice.
type ByteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

// FacetFeature is one feature of a facet. Only the field matching Type is set.
type FacetFeature struct {
	Type string `json:"$type"`
	URI  string `json:"uri,omitempty"`
	DID  string `json:"did,omitempty"`
	Tag  string `json:"tag,omitempty"`
}

// Blob is a blob reference.
type Blob struct {
	Ref struct {
		Link string `json:"$link"`
	} `json:"ref"`
	MimeType string `json:"mimeType,omitempty"`
}

type embedEnvelope struct {
	Type     string          `json:"$type"`
	Images   []embedImage    `json:"images,omitempty"`
	Video    *Blob           `json:"video,omitempty"`
	External *embedExternal  `json:"external,omitempty"`
	Media    json.RawMessage `json:"media,omitempty"`
}

type embedImage struct {
	Alt   string `json:"alt"`
	Image *Blob  `json:"image"`
}

type embedExternal struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
	Thumb *Blob  `json:"thumb,omitempty"`
}

// DecodePost decodes a raw record authored by did with record key rkey.
func DecodePost(did, rkey string, raw []byte) (types.PostRecord, error) {
	var p Post
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.PostRecord{}, fmt.Errorf("decode post record: %w", err)
	}
	return p.ToRecord(did, rkey)
}

// ToRecord converts the wire record to a PostRecord. An embed that cannot
// be decoded is dropped rather than failing the post.
func (p Post) ToRecord(did, rkey string) (types.PostRecord, error) {
	createdAt, err := ParseTime(p.CreatedAt)
	if err != nil {
		return types.PostRecord{}, err
	}

	rec := types.PostRecord{
		AuthorDID: did,
		RKey:      rkey,
		CreatedAt: createdAt,
		Text:      p.Text,
		Facets:    ConvertFacets(p.Facets),
		IsReply:   len(p.Reply) > 0 && string(p.Reply) != "null",
	}
	if len(p.Embed) > 0 {
		rec.Embed, _ = DecodeEmbed(p.Embed)
	}
	return rec, nil
}

// ConvertFacets maps wire facets to domain facets, taking the first feature
// of each.
func ConvertFacets(in []Facet) []types.Facet {
	if len(in) == 0 {
		return nil
	}
	out := make([]types.Facet, 0, len(in))
	for _, f := range in {
		if len(f.Features) == 0 {
			continue
		}
		feat := f.Features[0]
		kind := types.FacetKindFromType(feat.Type)
		var target string
		switch kind {
		case types.FacetLink:
			target = feat.URI
		case types.FacetMention:
			target = feat.DID
		case types.FacetTag:
			target = feat.Tag
		}
		out = append(out, types.Facet{
			ByteStart: f.Index.ByteStart,
			ByteEnd:   f.Index.ByteEnd,
			Kind:      kind,
			Target:    target,
		})
	}
	return out
}

// DecodeEmbed decodes a raw record embed. Record-with-media embeds are
// unwrapped to their media; quote-only and unknown embeds yield nil.
func DecodeEmbed(raw []byte) (types.Embed, error) {
	var env embedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode embed: %w", err)
	}

	switch env.Type {
	case TypeEmbedImages:
		refs := make([]types.ImageRef, 0, len(env.Images))
		for _, img := range env.Images {
			if img.Image == nil || img.Image.Ref.Link == "" {
				continue
			}
			refs = append(refs, types.ImageRef{CID: img.Image.Ref.Link, Alt: img.Alt})
		}
		if len(refs) == 0 {
			return nil, nil
		}
		return types.ImagesEmbed{Images: refs}, nil
	case TypeEmbedVideo:
		if env.Video == nil || env.Video.Ref.Link == "" {
			return nil, nil
		}
		return types.VideoEmbed{CID: env.Video.Ref.Link}, nil
	case TypeEmbedExternal:
		if env.External == nil {
			return nil, nil
		}
		ext := types.ExternalEmbed{URI: env.External.URI, Title: env.External.Title}
		if env.External.Thumb != nil && env.External.Thumb.Ref.Link != "" {
			ext.Thumb = &types.ImageRef{CID: env.External.Thumb.Ref.Link}
		}
		return ext, nil
	case TypeEmbedRecordWithMedia:
		if len(env.Media) == 0 {
			return nil, nil
		}
		return DecodeEmbed(env.Media)
	}
	return nil, nil
}

// ParseTime parses a lexicon datetime. Clients emit RFC 3339 with varying
// fractional precision, which time.RFC3339Nano accepts.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse createdAt %q: %w", s, err)
	}
	return t.UTC(), nil
}
