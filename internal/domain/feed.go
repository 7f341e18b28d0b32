package domain

import "fmt"

// FeedOrder selects the pagination dimension a feed is served in.
type FeedOrder string

const (
	// OrderLatest serves posts by recency: (indexed_at desc, cid desc).
	OrderLatest FeedOrder = "latest"

	// OrderWeighted serves posts by ranking score: (sort_weight desc,
	// cid desc). Posts without a weight never appear.
	OrderWeighted FeedOrder = "weighted"
)

// FeedConfig describes a single feed served by this generator.
type FeedConfig struct {
	// URI is the AT-URI of the feed generator record.
	URI string

	// Tag is the post tag this feed is built from.
	Tag string

	// Order is the pagination dimension, OrderLatest if unset.
	Order FeedOrder

	// ImagesOnly restricts the feed to posts with images.
	ImagesOnly bool

	// ExcludeNSFW hides posts carrying any NSFW label.
	ExcludeNSFW bool
}

// FeedSkeleton is the response body for getFeedSkeleton.
type FeedSkeleton struct {
	Cursor string
	Posts  []SkeletonPost
}

// SkeletonPost is a single entry in a feed skeleton.
type SkeletonPost struct {
	// Post is the AT-URI of the post.
	Post string
}

// FeedDescription describes a single feed served by this generator.
type FeedDescription struct {
	// URI is the AT-URI of the feed generator record.
	URI string
}

// GeneratorDescription is the response body for describeFeedGenerator.
type GeneratorDescription struct {
	DID   string
	Feeds []FeedDescription
}

func newFeedURI(publisherDID, feedName string) string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", publisherDID, feedName)
}

// GetFeedConfigs returns the feeds this deployment serves.
func GetFeedConfigs(publisherDID string) []FeedConfig {
	return []FeedConfig{
		{
			URI:         newFeedURI(publisherDID, "art-new"),
			Tag:         "art",
			Order:       OrderLatest,
			ImagesOnly:  true,
			ExcludeNSFW: true,
		},
		{
			URI:   newFeedURI(publisherDID, "art-hot"),
			Tag:   "art",
			Order: OrderWeighted,
		},
		{
			URI:         newFeedURI(publisherDID, "mutuals"),
			Tag:         "mutuals-ad",
			Order:       OrderLatest,
			ExcludeNSFW: true,
		},
	}
}
