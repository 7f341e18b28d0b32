package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blackmichael/bluesky-tagstore/internal/domain"
)

const postColumns = "uri, cid, author, text, reply_parent, reply_root, indexed_at, has_image, embed, algo_tags, labels, sort_weight"

// tagMatch tests tag-set membership. algo_tags is never NULL.
const tagMatch = "EXISTS (SELECT 1 FROM json_each(posts.algo_tags) WHERE json_each.value = ?)"

// nsfwMatch tests label-set intersection with domain.NSFWLabels. The
// labels IS NULL guards make the unlabeled case explicit: not flagged.
const (
	nsfwMatch   = "(labels IS NOT NULL AND EXISTS (SELECT 1 FROM json_each(posts.labels) WHERE json_each.value IN (?,?,?,?)))"
	nsfwNoMatch = "(labels IS NULL OR NOT EXISTS (SELECT 1 FROM json_each(posts.labels) WHERE json_each.value IN (?,?,?,?)))"
)

const (
	squeakyCleanTag    = "squeaky-clean"
	mutualsAdTag       = "mutuals-ad"
	squeakyCleanMaxAge = 5 * time.Minute
)

const upsertPostSQL = `
	INSERT INTO posts (` + postColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (uri) DO UPDATE SET
		cid = excluded.cid,
		author = excluded.author,
		text = excluded.text,
		reply_parent = excluded.reply_parent,
		reply_root = excluded.reply_root,
		indexed_at = excluded.indexed_at,
		has_image = excluded.has_image,
		embed = excluded.embed,
		algo_tags = excluded.algo_tags,
		labels = excluded.labels,
		sort_weight = excluded.sort_weight`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertPost inserts the post or fully replaces the row with the same URI.
func (s *Store) UpsertPost(ctx context.Context, post *domain.Post) error {
	return upsertPost(ctx, s.db, post)
}

// UpsertPosts upserts the batch in one transaction, all-or-nothing.
func (s *Store) UpsertPosts(ctx context.Context, posts []*domain.Post) error {
	if len(posts) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, post := range posts {
			if err := upsertPost(ctx, tx, post); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertPost(ctx context.Context, ex execer, post *domain.Post) error {
	tags, err := tagsValue(post.AlgoTags)
	if err != nil {
		return fmt.Errorf("marshal tags for %s: %w", post.URI, err)
	}
	labels, err := labelsValue(post.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels for %s: %w", post.URI, err)
	}
	embed, err := embedValue(post.Embed)
	if err != nil {
		return fmt.Errorf("marshal embed for %s: %w", post.URI, err)
	}

	var weight any
	if post.SortWeight != nil {
		weight = *post.SortWeight
	}

	_, err = ex.ExecContext(ctx, upsertPostSQL,
		post.URI,
		post.CID,
		post.Author,
		post.Text,
		nullString(post.ReplyParent),
		nullString(post.ReplyRoot),
		post.IndexedAt,
		post.HasImage,
		embed,
		tags,
		labels,
		weight,
	)
	if err != nil {
		return fmt.Errorf("upsert post %s: %w", post.URI, err)
	}
	return nil
}

// GetPostForURI returns the post with the given URI.
func (s *Store) GetPostForURI(ctx context.Context, uri string) (*domain.Post, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+postColumns+" FROM posts WHERE uri = ?", uri)

	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("post %s: %w", uri, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get post %s: %w", uri, err)
	}
	return post, nil
}

// GetLatestPostsForTag retrieves a page of tagged posts by recency.
// The cursor format is "indexedAt::cid" (unix millis::cid); the page
// resumes strictly after that position.
func (s *Store) GetLatestPostsForTag(ctx context.Context, params domain.TagFeedParams) ([]domain.Post, string, error) {
	conds := []string{tagMatch}
	args := []any{params.Tag}

	if params.Cursor != "" {
		cursorTime, cursorCID, err := parseRecencyCursor(params.Cursor)
		if err != nil {
			return nil, "", err
		}
		conds = append(conds, "(indexed_at < ? OR (indexed_at = ? AND cid < ?))")
		args = append(args, cursorTime, cursorTime, cursorCID)
	}
	if params.ImagesOnly {
		conds = append(conds, "has_image = 1")
	}
	if params.NSFWOnly {
		conds = append(conds, nsfwMatch)
		args = append(args, nsfwArgs()...)
	}
	if params.ExcludeNSFW {
		conds = append(conds, nsfwNoMatch)
		args = append(args, nsfwArgs()...)
	}
	if len(params.Authors) > 0 {
		conds = append(conds, "author IN ("+placeholders(len(params.Authors))+")")
		args = append(args, stringArgs(params.Authors)...)
	}
	args = append(args, params.Limit)

	query := "SELECT " + postColumns + " FROM posts WHERE " + strings.Join(conds, " AND ") +
		" ORDER BY indexed_at DESC, cid DESC LIMIT ?"

	posts, err := s.queryPosts(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query posts for tag %s: %w", params.Tag, err)
	}

	var nextCursor string
	if len(posts) == params.Limit && len(posts) > 0 {
		last := posts[len(posts)-1]
		nextCursor = formatRecencyCursor(last.IndexedAt, last.CID)
	}
	return posts, nextCursor, nil
}

// GetTaggedPostsBetween returns all tagged posts indexed strictly between
// the two bounds, in feed order. Bounds may be given in either order.
func (s *Store) GetTaggedPostsBetween(ctx context.Context, tag string, start, end int64) ([]domain.Post, error) {
	lo, hi := start, end
	if lo > hi {
		lo, hi = hi, lo
	}

	posts, err := s.queryPosts(ctx,
		"SELECT "+postColumns+" FROM posts WHERE "+tagMatch+
			" AND indexed_at > ? AND indexed_at < ? ORDER BY indexed_at DESC, cid DESC",
		tag, lo, hi,
	)
	if err != nil {
		return nil, fmt.Errorf("query posts for tag %s between %d and %d: %w", tag, lo, hi, err)
	}
	return posts, nil
}

// GetPostsBySortWeight retrieves a page of tagged posts by descending sort
// weight. The cursor format is "sortWeight::cid". Posts without a weight
// never appear; weighting is opt-in per post.
func (s *Store) GetPostsBySortWeight(ctx context.Context, tag string, limit int, cursor string) ([]domain.Post, string, error) {
	conds := []string{tagMatch, "sort_weight IS NOT NULL"}
	args := []any{tag}

	if cursor != "" {
		cursorWeight, cursorCID, err := parseWeightCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		conds = append(conds, "(sort_weight < ? OR (sort_weight = ? AND cid < ?))")
		args = append(args, cursorWeight, cursorWeight, cursorCID)
	}
	args = append(args, limit)

	query := "SELECT " + postColumns + " FROM posts WHERE " + strings.Join(conds, " AND ") +
		" ORDER BY sort_weight DESC, cid DESC LIMIT ?"

	posts, err := s.queryPosts(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query weighted posts for tag %s: %w", tag, err)
	}

	var nextCursor string
	if len(posts) == limit && len(posts) > 0 {
		last := posts[len(posts)-1]
		nextCursor = formatWeightCursor(*last.SortWeight, last.CID)
	}
	return posts, nextCursor, nil
}

// GetRecentAuthorsForTag returns the distinct authors who posted the tag
// within the trailing window. No defined order, no cursor; use
// GetLatestPostPerAuthorForTag when a stable cursor is needed.
func (s *Store) GetRecentAuthorsForTag(ctx context.Context, tag string, window time.Duration) ([]string, error) {
	since := time.Now().UTC().Add(-window).UnixMilli()

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT author FROM posts WHERE "+tagMatch+" AND indexed_at > ?",
		tag, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent authors for tag %s: %w", tag, err)
	}
	defer rows.Close()

	var authors []string
	for rows.Next() {
		var author string
		if err := rows.Scan(&author); err != nil {
			return nil, fmt.Errorf("scan author: %w", err)
		}
		authors = append(authors, author)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate authors: %w", err)
	}
	return authors, nil
}

// GetLatestPostPerAuthorForTag retrieves a page with each author's most
// recent tagged post, under the usual recency cursor contract.
func (s *Store) GetLatestPostPerAuthorForTag(ctx context.Context, tag string, limit int, cursor string) ([]domain.Post, string, error) {
	query := `
		SELECT p.uri, p.cid, p.author, p.text, p.reply_parent, p.reply_root,
			p.indexed_at, p.has_image, p.embed, p.algo_tags, p.labels, p.sort_weight
		FROM posts p
		WHERE EXISTS (SELECT 1 FROM json_each(p.algo_tags) WHERE json_each.value = ?)
		AND NOT EXISTS (
			SELECT 1 FROM posts q
			WHERE q.author = p.author
			AND EXISTS (SELECT 1 FROM json_each(q.algo_tags) WHERE json_each.value = ?)
			AND (q.indexed_at > p.indexed_at OR (q.indexed_at = p.indexed_at AND q.cid > p.cid))
		)`
	args := []any{tag, tag}

	if cursor != "" {
		cursorTime, cursorCID, err := parseRecencyCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query += " AND (p.indexed_at < ? OR (p.indexed_at = ? AND p.cid < ?))"
		args = append(args, cursorTime, cursorTime, cursorCID)
	}

	query += " ORDER BY p.indexed_at DESC, p.cid DESC LIMIT ?"
	args = append(args, limit)

	posts, err := s.queryPosts(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query latest post per author for tag %s: %w", tag, err)
	}

	var nextCursor string
	if len(posts) == limit && len(posts) > 0 {
		last := posts[len(posts)-1]
		nextCursor = formatRecencyCursor(last.IndexedAt, last.CID)
	}
	return posts, nextCursor, nil
}

// RemoveTagFromPostsForAuthors strips the tag from all posts by the given
// authors, then garbage collects posts left with no tags. Returns the
// number collected.
func (s *Store) RemoveTagFromPostsForAuthors(ctx context.Context, tag string, authors []string) (int64, error) {
	if len(authors) == 0 {
		return 0, nil
	}
	return s.removeTag(ctx, tag,
		"author IN ("+placeholders(len(authors))+")",
		stringArgs(authors))
}

// RemoveTagFromOldPosts strips the tag from all posts indexed before the
// threshold (epoch millis), then garbage collects posts left with no tags.
// Returns the number collected.
func (s *Store) RemoveTagFromOldPosts(ctx context.Context, tag string, threshold int64) (int64, error) {
	return s.removeTag(ctx, tag, "indexed_at < ?", []any{threshold})
}

// removeTag runs strip-then-GC in one transaction. A post is retained only
// as long as it carries at least one tag; the DELETE is idempotent, so a
// retried sweep is harmless.
func (s *Store) removeTag(ctx context.Context, tag, cond string, condArgs []any) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		strip := `
			UPDATE posts SET algo_tags = (
				SELECT COALESCE(json_group_array(je.value), '[]')
				FROM json_each(posts.algo_tags) AS je
				WHERE je.value <> ?
			)
			WHERE ` + tagMatch + " AND " + cond
		args := append([]any{tag, tag}, condArgs...)
		if _, err := tx.ExecContext(ctx, strip, args...); err != nil {
			return fmt.Errorf("strip tag %s: %w", tag, err)
		}

		res, err := tx.ExecContext(ctx,
			"DELETE FROM posts WHERE json_array_length(algo_tags) = 0")
		if err != nil {
			return fmt.Errorf("collect tagless posts: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}

// UpdateLabelsForURIs sets the label set for each entry in one transaction.
// A committed entry always marks the post labeled: a nil label slice is
// stored as the empty set, not as NULL.
func (s *Store) UpdateLabelsForURIs(ctx context.Context, entries []domain.LabelEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "UPDATE posts SET labels = ? WHERE uri = ?")
		if err != nil {
			return fmt.Errorf("prepare label update: %w", err)
		}
		defer stmt.Close()

		for _, entry := range entries {
			labels := entry.Labels
			if labels == nil {
				labels = []string{}
			}
			value, err := json.Marshal(labels)
			if err != nil {
				return fmt.Errorf("marshal labels for %s: %w", entry.URI, err)
			}
			if _, err := stmt.ExecContext(ctx, string(value), entry.URI); err != nil {
				return fmt.Errorf("update labels for %s: %w", entry.URI, err)
			}
		}
		return nil
	})
}

// GetUnlabelledPostsWithMedia returns the labeling work queue: posts with a
// media embed that were never labeled and are older than lag.
func (s *Store) GetUnlabelledPostsWithMedia(ctx context.Context, limit int, lag time.Duration) ([]domain.Post, error) {
	cutoff := time.Now().UTC().Add(-lag).UnixMilli()

	posts, err := s.queryPosts(ctx,
		"SELECT "+postColumns+` FROM posts
		WHERE embed IS NOT NULL AND labels IS NULL AND indexed_at < ?
		ORDER BY indexed_at DESC, cid DESC LIMIT ?`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unlabelled posts: %w", err)
	}
	return posts, nil
}

// DeleteManyURI removes posts by URI.
func (s *Store) DeleteManyURI(ctx context.Context, uris []string) error {
	if len(uris) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM posts WHERE uri IN ("+placeholders(len(uris))+")",
		stringArgs(uris)...,
	)
	if err != nil {
		return fmt.Errorf("delete posts by uri: %w", err)
	}
	return nil
}

// DeleteManyDID removes every post authored by the given DIDs.
func (s *Store) DeleteManyDID(ctx context.Context, dids []string) error {
	if len(dids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM posts WHERE author IN ("+placeholders(len(dids))+")",
		stringArgs(dids)...,
	)
	if err != nil {
		return fmt.Errorf("delete posts by author: %w", err)
	}
	return nil
}

// DeleteSqueakyCleanPosts removes posts tagged squeaky-clean but not
// mutuals-ad, older than five minutes. Returns the number removed.
func (s *Store) DeleteSqueakyCleanPosts(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-squeakyCleanMaxAge).UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM posts
		WHERE EXISTS (SELECT 1 FROM json_each(posts.algo_tags) WHERE json_each.value = ?)
		AND NOT EXISTS (SELECT 1 FROM json_each(posts.algo_tags) WHERE json_each.value = ?)
		AND indexed_at < ?`,
		squeakyCleanTag, mutualsAdTag, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete squeaky-clean posts: %w", err)
	}
	removed, _ := res.RowsAffected()
	return removed, nil
}

// AggregatePostsByReplies groups tagged posts by reply parent and returns
// the parents with at least threshold replies, busiest first.
func (s *Store) AggregatePostsByReplies(ctx context.Context, tag string, threshold, limit int) ([]domain.ReplyCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reply_parent, COUNT(*) AS replies
		FROM posts
		WHERE reply_parent IS NOT NULL
		AND `+tagMatch+`
		GROUP BY reply_parent
		HAVING COUNT(*) >= ?
		ORDER BY replies DESC, reply_parent
		LIMIT ?`,
		tag, threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate replies for tag %s: %w", tag, err)
	}
	defer rows.Close()

	var counts []domain.ReplyCount
	for rows.Next() {
		var rc domain.ReplyCount
		if err := rows.Scan(&rc.ReplyParent, &rc.Replies); err != nil {
			return nil, fmt.Errorf("scan reply count: %w", err)
		}
		counts = append(counts, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reply counts: %w", err)
	}
	return counts, nil
}

func (s *Store) queryPosts(ctx context.Context, query string, args ...any) ([]domain.Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, *post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*domain.Post, error) {
	var (
		p           domain.Post
		replyParent sql.NullString
		replyRoot   sql.NullString
		embed       sql.NullString
		tags        string
		labels      sql.NullString
		weight      sql.NullFloat64
	)

	err := row.Scan(
		&p.URI,
		&p.CID,
		&p.Author,
		&p.Text,
		&replyParent,
		&replyRoot,
		&p.IndexedAt,
		&p.HasImage,
		&embed,
		&tags,
		&labels,
		&weight,
	)
	if err != nil {
		return nil, err
	}

	p.ReplyParent = replyParent.String
	p.ReplyRoot = replyRoot.String

	if err := json.Unmarshal([]byte(tags), &p.AlgoTags); err != nil {
		return nil, fmt.Errorf("unmarshal tags for %s: %w", p.URI, err)
	}
	if labels.Valid {
		if err := json.Unmarshal([]byte(labels.String), &p.Labels); err != nil {
			return nil, fmt.Errorf("unmarshal labels for %s: %w", p.URI, err)
		}
		if p.Labels == nil {
			p.Labels = []string{}
		}
	}
	if embed.Valid {
		p.Embed = &domain.Embed{}
		if err := json.Unmarshal([]byte(embed.String), p.Embed); err != nil {
			return nil, fmt.Errorf("unmarshal embed for %s: %w", p.URI, err)
		}
	}
	if weight.Valid {
		w := weight.Float64
		p.SortWeight = &w
	}
	return &p, nil
}

func tagsValue(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// labelsValue maps nil to SQL NULL (never labeled) and everything else to a
// JSON array, so the unlabeled/labeled-empty distinction survives storage.
func labelsValue(labels []string) (any, error) {
	if labels == nil {
		return nil, nil
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func embedValue(embed *domain.Embed) (any, error) {
	if embed == nil {
		return nil, nil
	}
	b, err := json.Marshal(embed)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nsfwArgs() []any {
	return stringArgs(domain.NSFWLabels)
}
