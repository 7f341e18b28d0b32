package sqlite

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/blackmichael/bluesky-tagstore/internal/domain"
)

// Cursors encode the last-seen row's sort key as "<position>::<cid>". The
// first component is an integer indexed-at timestamp (epoch millis) for
// recency feeds and a float sort weight for weighted feeds. A malformed
// cursor is the client's fault: callers surface domain.ErrInvalidCursor as
// a rejected request, never a store error.

func splitCursor(cursor string) (string, string, error) {
	parts := strings.SplitN(cursor, "::", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q must be in format 'position::cid'", domain.ErrInvalidCursor, cursor)
	}
	return parts[0], parts[1], nil
}

// parseRecencyCursor parses an "<indexedAt>::<cid>" cursor.
func parseRecencyCursor(cursor string) (int64, string, error) {
	pos, cid, err := splitCursor(cursor)
	if err != nil {
		return 0, "", err
	}
	millis, err := strconv.ParseInt(pos, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: non-numeric timestamp in %q", domain.ErrInvalidCursor, cursor)
	}
	return millis, cid, nil
}

// parseWeightCursor parses a "<sortWeight>::<cid>" cursor.
func parseWeightCursor(cursor string) (float64, string, error) {
	pos, cid, err := splitCursor(cursor)
	if err != nil {
		return 0, "", err
	}
	weight, err := strconv.ParseFloat(pos, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: non-numeric weight in %q", domain.ErrInvalidCursor, cursor)
	}
	return weight, cid, nil
}

func formatRecencyCursor(indexedAt int64, cid string) string {
	return fmt.Sprintf("%d::%s", indexedAt, cid)
}

func formatWeightCursor(weight float64, cid string) string {
	return strconv.FormatFloat(weight, 'f', -1, 64) + "::" + cid
}
