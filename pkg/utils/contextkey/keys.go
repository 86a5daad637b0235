// Package contextkey holds the context keys that the logger turns into fields.
package contextkey

import "context"

// Key is the type of every key in this package.
type Key string

const (
	RunID   Key = "run_id"
	GroupID Key = "cgroup"
	Role    Key = "role"
)

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunID, runID)
}

// WithRole tags entries with the process side, "supervisor" or "child".
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, Role, role)
}

// WithGroup tags entries with the cgroup path of the run.
func WithGroup(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, GroupID, path)
}
