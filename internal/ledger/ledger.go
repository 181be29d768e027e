// Package ledger records build progress for resuming and for failed tile reports.
package ledger

import (
	"context"
	"fmt"
)

// Entry one recorded tile.
type Entry struct {
	Z   int    `json:"z"`
	X   int    `json:"x"`
	Y   int    `json:"y"`
	Res string `json:"res"`
}

// Key field of the tile in a hash.
func (e Entry) Key() string {
	return fmt.Sprintf("tile_%d_%d_%d", e.X, e.Y, e.Z)
}

// Ledger build records.
type Ledger interface {
	// Cursor number of tiles written, 0 when nothing is recorded.
	Cursor(ctx context.Context) (int, error)
	// SaveCursor stores the number of tiles written.
	SaveCursor(ctx context.Context, n int) error
	// Fail records that a layer failed on the tile.
	Fail(ctx context.Context, e Entry) error
	// Blank records a blank tile.
	Blank(ctx context.Context, e Entry) error
	// Failed every failure entry.
	Failed(ctx context.Context) ([]Entry, error)
	// ClearFail removes a failure entry.
	ClearFail(ctx context.Context, e Entry) error
	// Clean drops every record of the build.
	Clean(ctx context.Context) error
	Close() error
}

// Nop records nothing.
type Nop struct{}

var _ Ledger = Nop{}

func (Nop) Cursor(context.Context) (int, error) { return 0, nil }
func (Nop) SaveCursor(context.Context, int) error { return nil }
func (Nop) Fail(context.Context, Entry) error { return nil }
func (Nop) Blank(context.Context, Entry) error { return nil }
func (Nop) Failed(context.Context) ([]Entry, error) { return nil, nil }
func (Nop) ClearFail(context.Context, Entry) error { return nil }
func (Nop) Clean(context.Context) error { return nil }
func (Nop) Close() error { return nil }
