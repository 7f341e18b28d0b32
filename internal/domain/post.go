package domain

// Post is an indexed BlueSky post together with the feed-generation state
// this service tracks for it (tags, moderation labels, ranking weight).
type Post struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string

	// CID is the content identifier of the record. It is the tie-break key
	// for pagination when two posts share an indexed-at timestamp.
	CID string

	// Author is the DID of the post's author.
	Author string

	// Text is the post body text.
	Text string

	// ReplyParent and ReplyRoot are AT-URIs of the post this one replies to
	// and the root of that thread. Empty means not a reply. They are not
	// enforced as references: a reply may point at a post we never indexed
	// or have since deleted.
	ReplyParent string
	ReplyRoot   string

	// IndexedAt is when this post was indexed, in epoch milliseconds.
	// Assigned once at ingestion; the pagination order is built on it.
	IndexedAt int64

	// HasImage reports whether the post carries at least one image.
	HasImage bool

	// Embed describes attached media, if any.
	Embed *Embed

	// AlgoTags is the set of feed tags the post currently belongs to.
	// A post with no tags has no reason to be retained and is garbage
	// collected after tag-removal operations.
	AlgoTags []string

	// Labels is the set of moderation labels applied to the post. A nil
	// slice means the post has not been labeled yet; an empty non-nil slice
	// means it was labeled and no labels apply. The distinction matters:
	// the labeling work queue selects on "not yet labeled".
	Labels []string

	// SortWeight is an externally computed ranking score. Nil means the
	// post is invisible to weight-ordered queries.
	SortWeight *float64
}

// Labeled reports whether the post has been through labeling.
func (p *Post) Labeled() bool {
	return p.Labels != nil
}

// Embed is the media payload attached to a post.
type Embed struct {
	Type   string       `json:"type"`
	Images []EmbedImage `json:"images,omitempty"`
}

// EmbedImage is a single image within an embed.
type EmbedImage struct {
	Fullsize string `json:"fullsize"`
	Thumb    string `json:"thumb,omitempty"`
	Alt      string `json:"alt,omitempty"`
}

// LabelEntry is one post's labeling result, committed in batches.
type LabelEntry struct {
	URI    string
	Labels []string
}

// ReplyCount is one row of the replies aggregation: a parent post URI and
// how many indexed posts reply to it.
type ReplyCount struct {
	ReplyParent string `json:"replyParent"`
	Replies     int64  `json:"replies"`
}

// NSFWLabels is the fixed label set treated as adult content by the
// NSFWOnly / ExcludeNSFW feed filters. An unlabeled post (Labels == nil)
// is not flagged: it is excluded by NSFWOnly and included by ExcludeNSFW.
var NSFWLabels = []string{"porn", "nudity", "sexual", "underwear"}

// TagFeedParams are the inputs to the tag-filtered recency feed query.
type TagFeedParams struct {
	// Tag is the required exact-match feed tag.
	Tag string

	// Limit is the page size.
	Limit int

	// Cursor resumes pagination strictly after the "<indexedAt>::<cid>"
	// position from a previous page. Empty starts from the top.
	Cursor string

	// ImagesOnly restricts the page to posts with images.
	ImagesOnly bool

	// NSFWOnly keeps only posts carrying at least one NSFW label.
	// ExcludeNSFW keeps only posts carrying none. Setting both is not
	// rejected; the filters apply conjunctively, which matches nothing.
	NSFWOnly    bool
	ExcludeNSFW bool

	// Authors, when non-empty, is an allow-list of author DIDs.
	Authors []string
}
