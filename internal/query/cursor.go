package query

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/storage"
)

// DecodeCursor parses a page token produced by EncodeCursor. An empty token is the first page.
func DecodeCursor(token string) (*storage.Cursor, error) {
	if token == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at in cursor: %w", err)
	}

	return &storage.Cursor{
		CreatedAt:     time.Unix(0, createdAt).UTC(),
		ApplicationID: parts[1],
	}, nil
}

// EncodeCursor returns the page token that resumes after cursor
func EncodeCursor(cursor storage.Cursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.ApplicationID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
