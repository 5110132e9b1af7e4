// Package kvstore provides the hash-of-hashes coordination store shared by
// the crawl, rewrite and media subsystems. Any store error is fatal to the
// run: the databases hold state that cannot be partially rebuilt mid-run.
package kvstore

import "context"

// Store is a hash-of-hashes abstraction over a key/value backend.
type Store interface {
	HSet(ctx context.Context, db, field, value string) error
	HMSet(ctx context.Context, db string, fields map[string]string) error
	// HGet returns the empty string when the field is absent.
	HGet(ctx context.Context, db, field string) (string, error)
	HKeys(ctx context.Context, db string) ([]string, error)
	HExists(ctx context.Context, db, field string) (bool, error)
	HDel(ctx context.Context, db string, fields ...string) error
	Del(ctx context.Context, dbs ...string) error
	Close() error
}

// Databases derives the run-scoped database names from the run prefix.
type Databases struct {
	Prefix string
}

// Redirects holds src title -> dst title.
func (d Databases) Redirects() string { return d.Prefix + "r" }

// Details holds per-article revision metadata.
func (d Databases) Details() string { return d.Prefix + "d" }

// Media holds filenameBase -> largest downloaded width.
func (d Databases) Media() string { return d.Prefix + "m" }

// CachedMedia holds cache entries whose width may need an upgrade next run.
func (d Databases) CachedMedia() string { return d.Prefix + "c" }

// All lists every database of the run, for teardown.
func (d Databases) All() []string {
	return []string{d.Redirects(), d.Details(), d.Media(), d.CachedMedia()}
}
