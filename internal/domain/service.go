package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnknownFeed indicates a getFeedSkeleton request for a feed URI this
// generator does not serve. A client error, like ErrInvalidCursor.
var ErrUnknownFeed = errors.New("unknown feed")

// FeedService is the core domain service. It owns the mapping from feed
// URIs to tag queries, the ingestion-facing write paths, and the background
// maintenance jobs (tag sweeps, hot-thread aggregation).
type FeedService struct {
	feeds       map[string]FeedConfig // keyed by feed URI
	repo        PostRepository
	subState    SubStateRepository
	collections CollectionRepository
	logger      *slog.Logger
}

// NewFeedService creates a FeedService with the given feed configurations.
func NewFeedService(configs []FeedConfig, repo PostRepository, subState SubStateRepository, collections CollectionRepository, logger *slog.Logger) (*FeedService, error) {
	feeds := make(map[string]FeedConfig, len(configs))

	for _, cfg := range configs {
		if cfg.Tag == "" {
			return nil, fmt.Errorf("feed %s: a tag is required", cfg.URI)
		}
		if cfg.Order == "" {
			cfg.Order = OrderLatest
		}
		if cfg.Order != OrderLatest && cfg.Order != OrderWeighted {
			return nil, fmt.Errorf("feed %s: unknown order %q", cfg.URI, cfg.Order)
		}
		if _, dup := feeds[cfg.URI]; dup {
			return nil, fmt.Errorf("feed %s: registered twice", cfg.URI)
		}
		feeds[cfg.URI] = cfg
	}

	return &FeedService{
		feeds:       feeds,
		repo:        repo,
		subState:    subState,
		collections: collections,
		logger:      logger,
	}, nil
}

// FeedURIs returns the AT-URIs of all registered feeds.
func (s *FeedService) FeedURIs() []string {
	uris := make([]string, 0, len(s.feeds))
	for uri := range s.feeds {
		uris = append(uris, uri)
	}
	return uris
}

// Tags returns the distinct tags backing the registered feeds.
func (s *FeedService) Tags() []string {
	seen := make(map[string]struct{}, len(s.feeds))
	tags := make([]string, 0, len(s.feeds))
	for _, f := range s.feeds {
		if _, ok := seen[f.Tag]; ok {
			continue
		}
		seen[f.Tag] = struct{}{}
		tags = append(tags, f.Tag)
	}
	return tags
}

// GetFeedSkeleton returns a page of the feed skeleton for the given feed
// URI. ErrUnknownFeed and ErrInvalidCursor are client errors.
func (s *FeedService) GetFeedSkeleton(ctx context.Context, feedURI string, limit int, cursor string) (*FeedSkeleton, error) {
	feed, ok := s.feeds[feedURI]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, feedURI)
	}

	var (
		posts      []Post
		nextCursor string
		err        error
	)
	switch feed.Order {
	case OrderWeighted:
		posts, nextCursor, err = s.repo.GetPostsBySortWeight(ctx, feed.Tag, limit, cursor)
	default:
		posts, nextCursor, err = s.repo.GetLatestPostsForTag(ctx, TagFeedParams{
			Tag:         feed.Tag,
			Limit:       limit,
			Cursor:      cursor,
			ImagesOnly:  feed.ImagesOnly,
			ExcludeNSFW: feed.ExcludeNSFW,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("get feed posts: %w", err)
	}

	skeleton := &FeedSkeleton{
		Cursor: nextCursor,
		Posts:  make([]SkeletonPost, len(posts)),
	}
	for i, p := range posts {
		skeleton.Posts[i] = SkeletonPost{Post: p.URI}
	}
	return skeleton, nil
}

// IndexPosts persists a batch of already-validated posts atomically. Posts
// without an IndexedAt are stamped with the current time.
func (s *FeedService) IndexPosts(ctx context.Context, posts []*Post) error {
	now := time.Now().UTC().UnixMilli()
	for _, p := range posts {
		if p.IndexedAt == 0 {
			p.IndexedAt = now
		}
	}
	if err := s.repo.UpsertPosts(ctx, posts); err != nil {
		return fmt.Errorf("upsert posts: %w", err)
	}
	return nil
}

// DeletePosts removes posts by URI, used for retraction events.
func (s *FeedService) DeletePosts(ctx context.Context, uris []string) error {
	return s.repo.DeleteManyURI(ctx, uris)
}

// DeleteAuthors removes every post by the given author DIDs.
func (s *FeedService) DeleteAuthors(ctx context.Context, dids []string) error {
	return s.repo.DeleteManyDID(ctx, dids)
}

// GetCursor retrieves the last-processed stream cursor for the given service.
func (s *FeedService) GetCursor(ctx context.Context, service string) (int64, error) {
	return s.subState.GetSubStateCursor(ctx, service)
}

// UpdateCursor persists the stream cursor so ingestion can resume on restart.
func (s *FeedService) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	return s.subState.UpdateSubStateCursor(ctx, service, cursor)
}

// PendingMediaPosts returns a labeling work batch: posts with media that
// have not been labeled and are older than lag.
func (s *FeedService) PendingMediaPosts(ctx context.Context, limit int, lag time.Duration) ([]Post, error) {
	return s.repo.GetUnlabelledPostsWithMedia(ctx, limit, lag)
}

// ApplyLabels commits a batch of labeling results atomically.
func (s *FeedService) ApplyLabels(ctx context.Context, entries []LabelEntry) error {
	return s.repo.UpdateLabelsForURIs(ctx, entries)
}

// StartSweepJob runs a background loop that strips each registered feed tag
// from posts older than maxAge (garbage collecting posts left tagless) and
// removes stale squeaky-clean posts. It runs immediately on start, then
// repeats at the given interval, blocking until ctx is cancelled.
func (s *FeedService) StartSweepJob(ctx context.Context, interval, maxAge time.Duration) {
	s.runSweep(ctx, maxAge)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runSweep(ctx, maxAge)
		}
	}
}

func (s *FeedService) runSweep(ctx context.Context, maxAge time.Duration) {
	threshold := time.Now().UTC().Add(-maxAge).UnixMilli()

	for _, tag := range s.Tags() {
		removed, err := s.repo.RemoveTagFromOldPosts(ctx, tag, threshold)
		if err != nil {
			s.logger.Error("tag sweep failed", "tag", tag, "error", err)
			continue
		}
		if removed > 0 {
			s.logger.Info("tag sweep complete", "tag", tag, "removed", removed)
		}
	}

	removed, err := s.repo.DeleteSqueakyCleanPosts(ctx)
	if err != nil {
		s.logger.Error("squeaky-clean sweep failed", "error", err)
	} else if removed > 0 {
		s.logger.Info("squeaky-clean sweep complete", "removed", removed)
	}
}

// HotThreadsConfig configures the replies aggregation job.
type HotThreadsConfig struct {
	// Tag scopes the aggregation to posts carrying it.
	Tag string

	// Threshold is the minimum reply count for a thread to qualify.
	Threshold int

	// Limit caps the number of threads kept.
	Limit int

	// OutKey is the collection key the result is materialized under.
	OutKey string
}

// StartHotThreadsJob periodically aggregates reply counts for the
// configured tag and materializes the top threads into the collections
// store. It blocks until ctx is cancelled.
func (s *FeedService) StartHotThreadsJob(ctx context.Context, interval time.Duration, cfg HotThreadsConfig) {
	s.runHotThreads(ctx, cfg)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runHotThreads(ctx, cfg)
		}
	}
}

// RunHotThreads performs one aggregate-and-materialize pass.
func (s *FeedService) RunHotThreads(ctx context.Context, cfg HotThreadsConfig) error {
	counts, err := s.repo.AggregatePostsByReplies(ctx, cfg.Tag, cfg.Threshold, cfg.Limit)
	if err != nil {
		return fmt.Errorf("aggregate replies: %w", err)
	}

	value, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal reply counts: %w", err)
	}

	if err := s.collections.InsertOrReplaceRecord(ctx, cfg.OutKey, value); err != nil {
		return fmt.Errorf("store reply counts: %w", err)
	}
	return nil
}

func (s *FeedService) runHotThreads(ctx context.Context, cfg HotThreadsConfig) {
	if err := s.RunHotThreads(ctx, cfg); err != nil {
		s.logger.Error("hot threads aggregation failed", "tag", cfg.Tag, "error", err)
	}
}
