package webhook

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyhook/internal/types"
)

const testDID = "did:plc:abcdefghijklmnop1234"

func basePost() types.PostRecord {
	return types.PostRecord{
		AuthorDID: testDID,
		RKey:      "3kxyzabc",
		CreatedAt: time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		Text:      "check this out",
		Facets: []types.Facet{
			{ByteStart: 6, ByteEnd: 10, Kind: types.FacetLink, Target: "https://example.com"},
		},
	}
}

func TestBuildMessage_PrimaryEmbed(t *testing.T) {
	profile := &types.Profile{DID: testDID, Handle: "alice.bsky.social", DisplayName: "Alice", Avatar: "https://cdn.example/a.jpg"}

	msg := BuildMessage(basePost(), profile, nil)

	require.Len(t, msg.Embeds, 1)
	e := msg.Embeds[0]
	url := "https://bsky.app/profile/" + testDID + "/post/3kxyzabc"

	assert.Equal(t, "check [this](https://example.com) out\n\n-# [View Post]("+url+")", e.Description)
	assert.Equal(t, url, e.URL)
	assert.Equal(t, "2024-05-01T12:30:00Z", e.Timestamp)
	assert.Equal(t, BrandColor, e.Color)
	require.NotNil(t, e.Footer)
	assert.Equal(t, "alice.bsky.social", e.Footer.Text)
	assert.Equal(t, BlueskyIcon, e.Footer.IconURL)
	assert.Nil(t, e.Image)

	assert.Equal(t, "Alice", msg.Username)
	assert.Equal(t, "https://cdn.example/a.jpg", msg.AvatarURL)
}

func TestBuildMessage_UsernameFallsBackToHandle(t *testing.T) {
	msg := BuildMessage(basePost(), &types.Profile{Handle: "alice.bsky.social"}, nil)
	assert.Equal(t, "alice.bsky.social", msg.Username)
}

func TestBuildMessage_NoProfile(t *testing.T) {
	msg := BuildMessage(basePost(), nil, nil)

	require.Len(t, msg.Embeds, 1)
	assert.Empty(t, msg.Username)
	assert.Empty(t, msg.AvatarURL)
	assert.Nil(t, msg.Embeds[0].Footer)
}

func TestBuildMessage_ThreeImages(t *testing.T) {
	post := basePost()
	post.Embed = types.ImagesEmbed{Images: []types.ImageRef{{CID: "bafy1"}, {CID: "bafy2"}, {CID: "bafy3"}}}

	msg := BuildMessage(post, nil, nil)

	require.Len(t, msg.Embeds, 3)
	url := msg.Embeds[0].URL
	require.NotNil(t, msg.Embeds[0].Image)
	assert.Equal(t, "https://cdn.bsky.app/img/feed_thumbnail/plain/"+testDID+"/bafy1", msg.Embeds[0].Image.URL)

	for i, cid := range []string{"bafy2", "bafy3"} {
		sup := msg.Embeds[i+1]
		assert.Equal(t, url, sup.URL)
		require.NotNil(t, sup.Image)
		assert.Equal(t, ImageURL(testDID, cid), sup.Image.URL)
		assert.Empty(t, sup.Description)
		assert.Empty(t, sup.Timestamp)
		assert.Nil(t, sup.Footer)
	}
}

func TestBuildMessage_EmbedCountInvariant(t *testing.T) {
	for n := 0; n <= 4; n++ {
		post := basePost()
		refs := make([]types.ImageRef, n)
		for i := range refs {
			refs[i] = types.ImageRef{CID: "bafy" + strings.Repeat("x", i+1)}
		}
		post.Embed = types.ImagesEmbed{Images: refs}

		msg := BuildMessage(post, nil, nil)
		assert.Len(t, msg.Embeds, 1+max(0, n-1), "images=%d", n)
	}
}

func TestBuildMessage_VideoThumbnail(t *testing.T) {
	post := basePost()
	post.Embed = types.VideoEmbed{CID: "bafyvideo"}

	msg := BuildMessage(post, nil, nil)

	require.Len(t, msg.Embeds, 1)
	require.NotNil(t, msg.Embeds[0].Image)
	assert.Equal(t, "https://video.bsky.app/watch/"+testDID+"/bafyvideo/thumbnail.jpg", msg.Embeds[0].Image.URL)
}

func TestBuildMessage_ExternalThumb(t *testing.T) {
	post := basePost()
	post.Embed = types.ExternalEmbed{URI: "https://example.com", Thumb: &types.ImageRef{CID: "bafythumb"}}

	msg := BuildMessage(post, nil, nil)
	require.NotNil(t, msg.Embeds[0].Image)
	assert.Equal(t, ImageURL(testDID, "bafythumb"), msg.Embeds[0].Image.URL)

	post.Embed = types.ExternalEmbed{URI: "https://example.com"}
	msg = BuildMessage(post, nil, nil)
	assert.Nil(t, msg.Embeds[0].Image)
}

func TestBuildMessage_HydratedImageURLsWin(t *testing.T) {
	post := basePost()
	post.Embed = types.ImagesEmbed{Images: []types.ImageRef{{CID: "bafy1", URL: "https://cdn.example/full.jpg"}}}

	msg := BuildMessage(post, nil, nil)
	assert.Equal(t, "https://cdn.example/full.jpg", msg.Embeds[0].Image.URL)
}

func TestBuildMessage_LongTextKeepsViewPostLink(t *testing.T) {
	post := basePost()
	post.Text = strings.Repeat("a", 5000)
	post.Facets = nil

	msg := BuildMessage(post, nil, nil)

	desc := msg.Embeds[0].Description
	assert.LessOrEqual(t, len([]rune(desc)), maxDescriptionRunes)
	assert.True(t, strings.HasSuffix(desc, "-# [View Post]("+msg.Embeds[0].URL+")"))
}

func TestBuildMessage_LongTextDoesNotSplitLink(t *testing.T) {
	post := basePost()
	pad := strings.Repeat("a", 3990) + " "
	post.Text = pad + "look here"
	post.Facets = []types.Facet{{
		ByteStart: len(pad),
		ByteEnd:   len(pad) + len("look"),
		Kind:      types.FacetLink,
		Target:    "https://example.com/" + strings.Repeat("x", 100),
	}}

	msg := BuildMessage(post, nil, nil)

	desc := msg.Embeds[0].Description
	assert.LessOrEqual(t, len([]rune(desc)), maxDescriptionRunes)
	body, _, found := strings.Cut(desc, "\n\n-# [View Post]")
	require.True(t, found)
	assert.Equal(t, pad+"…", body)
}

func TestTruncateMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"fits", "see [a](https://x.y)", 40, "see [a](https://x.y)"},
		{"cut in link text", "see [abc](https://x.y) after", 7, "see …"},
		{"cut in link uri", "see [a](https://x.y) after", 12, "see …"},
		{"cut after closed link", "see [a](https://x.y) after and more", 24, "see [a](https://x.y) af…"},
		{"literal brackets", "a [b] c d e f g", 10, "a [b] c d…"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, truncateMarkdown(tc.in, tc.n))
		})
	}
}
