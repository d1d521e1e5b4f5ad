package tasks

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), "in-memory", nil
	}
	st, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, "", err
	}
	return st, "postgres", nil
}
