package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

// Recipients are stored as JSON text and tags as a "\x1f"-joined string,
// both in plain TEXT columns rather than Postgres-native jsonb/array types,
// so the same schema runs unmodified against the SQLite test backend
// (modernc.org/sqlite has neither type).

func encodeRecipients(recipients []domain.Recipient) (string, error) {
	b, err := json.Marshal(recipients)
	if err != nil {
		return "", fmt.Errorf("encode recipients: %w", err)
	}
	return string(b), nil
}

func decodeRecipients(raw string) ([]domain.Recipient, error) {
	var recipients []domain.Recipient
	if err := json.Unmarshal([]byte(raw), &recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	return recipients, nil
}

func encodeTags(tags []string) string {
	return strings.Join(tags, "\x1f")
}

func decodeTags(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\x1f")
}
