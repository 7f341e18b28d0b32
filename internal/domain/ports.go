package domain

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidCursor indicates a pagination cursor the client supplied could
// not be parsed. It is a client-input error, never a store fault.
var ErrInvalidCursor = errors.New("invalid cursor")

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// PostRepository defines persistence operations for indexed posts. All
// multi-row writes are atomic: either every row applies or none do.
type PostRepository interface {
	// UpsertPost inserts the post or fully replaces the existing row with
	// the same URI.
	UpsertPost(ctx context.Context, post *Post) error

	// UpsertPosts applies UpsertPost to each post in one transaction.
	UpsertPosts(ctx context.Context, posts []*Post) error

	// GetPostForURI returns the post with the given URI, or ErrNotFound.
	GetPostForURI(ctx context.Context, uri string) (*Post, error)

	// GetLatestPostsForTag returns a page of posts carrying the tag,
	// ordered by (indexed_at desc, cid desc), plus the next cursor (empty
	// when the page was short). Returns ErrInvalidCursor for a malformed
	// cursor.
	GetLatestPostsForTag(ctx context.Context, params TagFeedParams) ([]Post, string, error)

	// GetTaggedPostsBetween returns all posts carrying the tag with
	// indexed_at strictly between the two bounds, in feed order. The
	// bounds need not be pre-ordered. Unpaginated: callers must keep the
	// window small.
	GetTaggedPostsBetween(ctx context.Context, tag string, start, end int64) ([]Post, error)

	// GetPostsBySortWeight returns a page of tagged posts ordered by
	// (sort_weight desc, cid desc). Posts without a weight are skipped.
	// The cursor is "<sortWeight>::<cid>".
	GetPostsBySortWeight(ctx context.Context, tag string, limit int, cursor string) ([]Post, string, error)

	// GetRecentAuthorsForTag returns the distinct authors who posted the
	// tag within the trailing window.
	GetRecentAuthorsForTag(ctx context.Context, tag string, window time.Duration) ([]string, error)

	// GetLatestPostPerAuthorForTag returns a page with at most one post
	// per author (each author's most recent), under the same cursor
	// contract as GetLatestPostsForTag. Unlike GetRecentAuthorsForTag this
	// variant has a stable order and cursor; the two are not equivalent.
	GetLatestPostPerAuthorForTag(ctx context.Context, tag string, limit int, cursor string) ([]Post, string, error)

	// RemoveTagFromPostsForAuthors strips the tag from every post by the
	// given authors, then deletes posts whose tag set became empty.
	// Returns the number of posts garbage collected.
	RemoveTagFromPostsForAuthors(ctx context.Context, tag string, authors []string) (int64, error)

	// RemoveTagFromOldPosts strips the tag from every post indexed before
	// the threshold (epoch millis), then deletes posts whose tag set
	// became empty. Returns the number of posts garbage collected.
	RemoveTagFromOldPosts(ctx context.Context, tag string, threshold int64) (int64, error)

	// UpdateLabelsForURIs sets the label set for each entry in one
	// transaction.
	UpdateLabelsForURIs(ctx context.Context, entries []LabelEntry) error

	// GetUnlabelledPostsWithMedia returns up to limit posts that have a
	// media embed, have never been labeled, and were indexed more than lag
	// ago. The lag debounces labeling of posts whose media may still be
	// settling.
	GetUnlabelledPostsWithMedia(ctx context.Context, limit int, lag time.Duration) ([]Post, error)

	// DeleteManyURI removes the posts with the given URIs.
	DeleteManyURI(ctx context.Context, uris []string) error

	// DeleteManyDID removes every post authored by the given DIDs.
	DeleteManyDID(ctx context.Context, dids []string) error

	// DeleteSqueakyCleanPosts removes stale squeaky-clean posts that are
	// not also tagged mutuals-ad. Returns the number removed.
	DeleteSqueakyCleanPosts(ctx context.Context) (int64, error)

	// AggregatePostsByReplies returns the tagged posts' reply parents with
	// at least threshold replies, ordered by reply count descending,
	// capped at limit.
	AggregatePostsByReplies(ctx context.Context, tag string, threshold, limit int) ([]ReplyCount, error)
}

// SubStateRepository defines persistence for per-service stream cursors.
type SubStateRepository interface {
	// GetSubStateCursor returns the last persisted cursor for the service,
	// or 0 if none has been saved.
	GetSubStateCursor(ctx context.Context, service string) (int64, error)

	// UpdateSubStateCursor upserts the cursor for the service. Monotonicity
	// is the caller's responsibility.
	UpdateSubStateCursor(ctx context.Context, service string, cursor int64) error
}

// CollectionRepository defines the generic key/value collection store.
type CollectionRepository interface {
	// GetCollection returns the JSON value stored under key, or
	// ErrNotFound.
	GetCollection(ctx context.Context, key string) ([]byte, error)

	// InsertOrReplaceRecord stores value under key, last write wins.
	InsertOrReplaceRecord(ctx context.Context, key string, value []byte) error

	// GetDistinctFromCollection returns the distinct values of a column
	// across a table. Identifiers are validated, not bound.
	GetDistinctFromCollection(ctx context.Context, table, field string) ([]string, error)
}
