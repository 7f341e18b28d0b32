package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-tagstore/internal/domain"
)

func TestUpsertPost_ReplacesExistingRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	weight := 1.5
	first := testPost("at://a", "cid1", 100, "news")
	second := &domain.Post{
		URI:         "at://a",
		CID:         "cid2",
		Author:      "did:plc:other",
		Text:        "rewritten",
		ReplyParent: "at://parent",
		ReplyRoot:   "at://root",
		IndexedAt:   200,
		HasImage:    true,
		Embed:       &domain.Embed{Type: "images", Images: []domain.EmbedImage{{Fullsize: "https://cdn/img.jpg"}}},
		AlgoTags:    []string{"art"},
		Labels:      []string{},
		SortWeight:  &weight,
	}

	require.NoError(t, store.UpsertPost(ctx, first))
	require.NoError(t, store.UpsertPost(ctx, second))

	got, err := store.GetPostForURI(ctx, "at://a")
	require.NoError(t, err)
	assert.Equal(t, "cid2", got.CID)
	assert.Equal(t, "did:plc:other", got.Author)
	assert.Equal(t, "rewritten", got.Text)
	assert.Equal(t, "at://parent", got.ReplyParent)
	assert.Equal(t, "at://root", got.ReplyRoot)
	assert.Equal(t, int64(200), got.IndexedAt)
	assert.True(t, got.HasImage)
	require.NotNil(t, got.Embed)
	assert.Equal(t, "images", got.Embed.Type)
	assert.Equal(t, []string{"art"}, got.AlgoTags)
	require.NotNil(t, got.Labels)
	assert.Empty(t, got.Labels)
	require.NotNil(t, got.SortWeight)
	assert.Equal(t, 1.5, *got.SortWeight)

	// Exactly one row for the URI.
	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM posts WHERE uri = 'at://a'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestUpsertPost_PreservesUnlabeledState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store, testPost("at://a", "cid1", 100, "news"))

	got, err := store.GetPostForURI(ctx, "at://a")
	require.NoError(t, err)
	assert.Nil(t, got.Labels, "a never-labeled post must come back with nil labels")
	assert.False(t, got.Labeled())
	assert.Nil(t, got.SortWeight)
	assert.Nil(t, got.Embed)
	assert.Empty(t, got.ReplyParent)
}

func TestUpsertPosts_Atomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := []*domain.Post{
		testPost("at://1", "c1", 1, "t"),
		testPost("at://2", "c2", 2, "t"),
		testPost("", "c3", 3, "t"), // violates the non-empty uri constraint
		testPost("at://4", "c4", 4, "t"),
		testPost("at://5", "c5", 5, "t"),
	}

	err := store.UpsertPosts(ctx, batch)
	require.Error(t, err)

	// No row from the batch may be visible after the rollback.
	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM posts").Scan(&count))
	assert.Zero(t, count)
}

func TestGetPostForURI_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetPostForURI(context.Background(), "at://missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetLatestPostsForTag_OrderAndCIDTieBreak(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store,
		testPost("a", "x", 100, "news"),
		testPost("b", "y", 100, "news"),
	)

	// cid "y" > "x", so b paginates first on the indexed_at tie.
	posts, cursor, err := store.GetLatestPostsForTag(ctx, domain.TagFeedParams{Tag: "news", Limit: 1})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "b", posts[0].URI)
	assert.Equal(t, "100::y", cursor)

	posts, _, err = store.GetLatestPostsForTag(ctx, domain.TagFeedParams{Tag: "news", Limit: 1, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "a", posts[0].URI)
}

func TestGetLatestPostsForTag_PagesConcatenateWithoutDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var batch []*domain.Post
	for i := 0; i < 10; i++ {
		batch = append(batch, testPost(
			string(rune('a'+i)), string(rune('a'+i)), int64(100+i), "news"))
	}
	mustUpsert(t, store, batch...)

	seen := make(map[string]bool)
	var all []domain.Post
	cursor := ""
	for {
		posts, next, err := store.GetLatestPostsForTag(ctx, domain.TagFeedParams{Tag: "news", Limit: 3, Cursor: cursor})
		require.NoError(t, err)
		for _, p := range posts {
			require.False(t, seen[p.URI], "post %s appeared twice across pages", p.URI)
			seen[p.URI] = true
		}
		all = append(all, posts...)
		if next == "" {
			break
		}
		cursor = next
	}

	require.Len(t, all, 10)
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		ordered := cur.IndexedAt < prev.IndexedAt ||
			(cur.IndexedAt == prev.IndexedAt && cur.CID < prev.CID)
		assert.True(t, ordered, "rows %d and %d out of order", i-1, i)
	}
}

func TestGetLatestPostsForTag_ExactTagMatchOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store,
		testPost("a", "c1", 100, "news"),
		testPost("b", "c2", 101, "newsletter"),
		testPost("c", "c3", 102, "sports", "news"),
	)

	posts, _, err := store.GetLatestPostsForTag(ctx, domain.TagFeedParams{Tag: "news", Limit: 10})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, uris(posts))
}

func TestGetLatestPostsForTag_MalformedCursor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, cursor := range []string{"abc", "123::", "::x"} {
		_, _, err := store.GetLatestPostsForTag(ctx, domain.TagFeedParams{Tag: "news", Limit: 10, Cursor: cursor})
		require.ErrorIs(t, err, domain.ErrInvalidCursor, "cursor %q", cursor)
	}
}

func TestGetLatestPostsForTag_Filters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	imagePost := testPost("img", "c1", 100, "art")
	imagePost.HasImage = true

	nsfwPost := testPost("nsfw", "c2", 101, "art")
	nsfwPost.Labels = []string{"nudity"}

	cleanPost := testPost("clean", "c3", 102, "art")
	cleanPost.Labels = []string{}

	unlabeledPost := testPost("unlabeled", "c4", 103, "art")

	mustUpsert(t, store, imagePost, nsfwPost, cleanPost, unlabeledPost)

	posts, _, err := store.GetLatestPostsForTag(ctx, domain.TagFeedParams{Tag: "art", Limit: 10, ImagesOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"img"}, uris(posts))

	// Only labeled posts intersecting the NSFW set qualify; unlabeled posts
	// are not flagged.
	posts, _, err = store.GetLatestPostsForTag(ctx, domain.TagFeedParams{Tag: "art", Limit: 10, NSFWOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"nsfw"}, uris(posts))

	posts, _, err = store.GetLatestPostsForTag(ctx, domain.TagFeedParams{Tag: "art", Limit: 10, ExcludeNSFW: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"img", "clean", "unlabeled"}, uris(posts))

	// Both filters set is a contradiction and matches nothing.
	posts, _, err = store.GetLatestPostsForTag(ctx, domain.TagFeedParams{Tag: "art", Limit: 10, NSFWOnly: true, ExcludeNSFW: true})
	require.NoError(t, err)
	assert.Empty(t, posts)

	posts, _, err = store.GetLatestPostsForTag(ctx, domain.TagFeedParams{
		Tag: "art", Limit: 10,
		Authors: []string{imagePost.Author, nsfwPost.Author},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"img", "nsfw"}, uris(posts))
}

func TestGetTaggedPostsBetween(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store,
		testPost("a", "c1", 100, "news"),
		testPost("b", "c2", 150, "news"),
		testPost("c", "c3", 200, "news"),
		testPost("d", "c4", 250, "news"),
	)

	// Bounds are exclusive and need not be ordered.
	posts, err := store.GetTaggedPostsBetween(ctx, "news", 250, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, uris(posts))
}

func TestGetPostsBySortWeight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	weighted := func(uri, cid string, w float64) *domain.Post {
		p := testPost(uri, cid, 100, "art")
		p.SortWeight = &w
		return p
	}
	mustUpsert(t, store,
		weighted("a", "c1", 1.0),
		weighted("b", "c2", 3.0),
		weighted("c", "x", 2.0),
		weighted("d", "y", 2.0),
		testPost("unweighted", "c5", 999, "art"),
	)

	posts, cursor, err := store.GetPostsBySortWeight(ctx, "art", 3, "")
	require.NoError(t, err)
	// Weight descending, cid descending on the tie; unweighted invisible.
	assert.Equal(t, []string{"b", "d", "c"}, uris(posts))
	assert.Equal(t, "2::x", cursor)

	posts, cursor, err = store.GetPostsBySortWeight(ctx, "art", 3, cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, uris(posts))
	assert.Empty(t, cursor)

	_, _, err = store.GetPostsBySortWeight(ctx, "art", 3, "heavy::c")
	require.ErrorIs(t, err, domain.ErrInvalidCursor)
}

func TestGetRecentAuthorsForTag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().UnixMilli()

	recent1 := testPost("a", "c1", now-time.Minute.Milliseconds(), "news")
	recent1.Author = "did:plc:alice"
	recent2 := testPost("b", "c2", now-2*time.Minute.Milliseconds(), "news")
	recent2.Author = "did:plc:alice" // second post, still one distinct author
	recent3 := testPost("c", "c3", now-time.Minute.Milliseconds(), "news")
	recent3.Author = "did:plc:bob"
	stale := testPost("d", "c4", now-2*time.Hour.Milliseconds(), "news")
	stale.Author = "did:plc:carol"

	mustUpsert(t, store, recent1, recent2, recent3, stale)

	authors, err := store.GetRecentAuthorsForTag(ctx, "news", time.Hour)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"did:plc:alice", "did:plc:bob"}, authors)
}

func TestGetLatestPostPerAuthorForTag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	post := func(uri, cid, author string, at int64) *domain.Post {
		p := testPost(uri, cid, at, "news")
		p.Author = author
		return p
	}
	mustUpsert(t, store,
		post("a1", "c1", "did:plc:alice", 100),
		post("a2", "c2", "did:plc:alice", 300),
		post("b1", "c3", "did:plc:bob", 200),
		post("b2", "c4", "did:plc:bob", 150),
	)

	posts, cursor, err := store.GetLatestPostPerAuthorForTag(ctx, "news", 1, "")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "a2", posts[0].URI)
	assert.Equal(t, "300::c2", cursor)

	posts, _, err = store.GetLatestPostPerAuthorForTag(ctx, "news", 10, cursor)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, uris(posts))

	_, _, err = store.GetLatestPostPerAuthorForTag(ctx, "news", 10, "bogus")
	require.ErrorIs(t, err, domain.ErrInvalidCursor)
}

func TestRemoveTagFromOldPosts_GarbageCollectsTagless(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store,
		testPost("old-single", "c1", 100, "news"),
		testPost("old-multi", "c2", 100, "news", "sports"),
		testPost("fresh", "c3", 500, "news"),
	)

	removed, err := store.RemoveTagFromOldPosts(ctx, "news", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// The single-tag post is gone entirely.
	_, err = store.GetPostForURI(ctx, "old-single")
	require.ErrorIs(t, err, domain.ErrNotFound)

	// The multi-tag post survives with the tag stripped.
	multi, err := store.GetPostForURI(ctx, "old-multi")
	require.NoError(t, err)
	assert.Equal(t, []string{"sports"}, multi.AlgoTags)

	// The fresh post is untouched.
	posts, _, err := store.GetLatestPostsForTag(ctx, domain.TagFeedParams{Tag: "news", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, uris(posts))
}

func TestRemoveTagFromPostsForAuthors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	target := testPost("a", "c1", 100, "news")
	target.Author = "did:plc:alice"
	keep := testPost("b", "c2", 100, "news")
	keep.Author = "did:plc:bob"

	mustUpsert(t, store, target, keep)

	removed, err := store.RemoveTagFromPostsForAuthors(ctx, "news", []string{"did:plc:alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	posts, _, err := store.GetLatestPostsForTag(ctx, domain.TagFeedParams{Tag: "news", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, uris(posts))

	// Empty author list is a no-op.
	removed, err = store.RemoveTagFromPostsForAuthors(ctx, "news", nil)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestUpdateLabelsForURIs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustUpsert(t, store,
		testPost("a", "c1", 100, "art"),
		testPost("b", "c2", 101, "art"),
	)

	err := store.UpdateLabelsForURIs(ctx, []domain.LabelEntry{
		{URI: "a", Labels: []string{"nudity", "sketchy"}},
		{URI: "b", Labels: nil}, // labeled, nothing applies
	})
	require.NoError(t, err)

	a, err := store.GetPostForURI(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"nudity", "sketchy"}, a.Labels)

	b, err := store.GetPostForURI(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, b.Labels, "a committed entry must mark the post labeled")
	assert.Empty(t, b.Labels)
}

func TestGetUnlabelledPostsWithMedia(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().UnixMilli()
	embed := &domain.Embed{Type: "images", Images: []domain.EmbedImage{{Fullsize: "https://cdn/a.jpg"}}}

	settled := testPost("settled", "c1", now-10*time.Minute.Milliseconds(), "art")
	settled.Embed = embed

	fresh := testPost("fresh", "c2", now, "art")
	fresh.Embed = embed

	labeled := testPost("labeled", "c3", now-10*time.Minute.Milliseconds(), "art")
	labeled.Embed = embed
	labeled.Labels = []string{}

	noMedia := testPost("text-only", "c4", now-10*time.Minute.Milliseconds(), "art")

	mustUpsert(t, store, settled, fresh, labeled, noMedia)

	posts, err := store.GetUnlabelledPostsWithMedia(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"settled"}, uris(posts))
}

func TestDeleteManyURIAndDID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testPost("a", "c1", 100, "news")
	a.Author = "did:plc:alice"
	b := testPost("b", "c2", 101, "news")
	b.Author = "did:plc:bob"
	c := testPost("c", "c3", 102, "news")
	c.Author = "did:plc:bob"

	mustUpsert(t, store, a, b, c)

	require.NoError(t, store.DeleteManyURI(ctx, []string{"a"}))
	_, err := store.GetPostForURI(ctx, "a")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.DeleteManyDID(ctx, []string{"did:plc:bob"}))
	posts, _, err := store.GetLatestPostsForTag(ctx, domain.TagFeedParams{Tag: "news", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, posts)

	// Empty key sets are no-ops.
	require.NoError(t, store.DeleteManyURI(ctx, nil))
	require.NoError(t, store.DeleteManyDID(ctx, nil))
}

func TestDeleteSqueakyCleanPosts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().UnixMilli()
	old := now - 10*time.Minute.Milliseconds()

	mustUpsert(t, store,
		testPost("stale", "c1", old, "squeaky-clean"),
		testPost("advertised", "c2", old, "squeaky-clean", "mutuals-ad"),
		testPost("recent", "c3", now, "squeaky-clean"),
		testPost("other", "c4", old, "news"),
	)

	removed, err := store.DeleteSqueakyCleanPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = store.GetPostForURI(ctx, "stale")
	require.ErrorIs(t, err, domain.ErrNotFound)
	for _, uri := range []string{"advertised", "recent", "other"} {
		_, err = store.GetPostForURI(ctx, uri)
		require.NoError(t, err, "post %s must survive the sweep", uri)
	}
}

func TestAggregatePostsByReplies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	reply := func(uri, cid, parent string) *domain.Post {
		p := testPost(uri, cid, 100, "news")
		p.ReplyParent = parent
		p.ReplyRoot = parent
		return p
	}
	mustUpsert(t, store,
		reply("r1", "c1", "at://hot"),
		reply("r2", "c2", "at://hot"),
		reply("r3", "c3", "at://hot"),
		reply("r4", "c4", "at://warm"),
		reply("r5", "c5", "at://warm"),
		reply("r6", "c6", "at://cold"),
		testPost("top-level", "c7", 100, "news"),
	)
	// Replies under another tag don't count toward this aggregation.
	offTopic := reply("r7", "c8", "at://hot")
	offTopic.AlgoTags = []string{"sports"}
	mustUpsert(t, store, offTopic)

	counts, err := store.AggregatePostsByReplies(ctx, "news", 2, 10)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, domain.ReplyCount{ReplyParent: "at://hot", Replies: 3}, counts[0])
	assert.Equal(t, domain.ReplyCount{ReplyParent: "at://warm", Replies: 2}, counts[1])

	// Limit caps the result after ordering.
	counts, err = store.AggregatePostsByReplies(ctx, "news", 1, 1)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, "at://hot", counts[0].ReplyParent)
}
