// iface.go defines the Catalog interface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. Code that only lists
// or counts shards (the HTTP server's shard listing) accepts Catalog so tests
// can substitute a failing implementation.
package store

// Catalog is the untyped, shard-level view of a store.
type Catalog interface {
	// Close closes the underlying connection.
	Close() error

	// CreateShard registers a shard. Idempotent.
	CreateShard(name string) (*ShardInfo, error)

	// GetShard retrieves a shard by name or ID.
	GetShard(nameOrID string) (*ShardInfo, error)

	// ListShards returns all shards ordered by name.
	ListShards() ([]ShardInfo, error)

	// CountBindings returns the number of stored binding rows in a shard.
	CountBindings(shardID string) int64
}

// Compile-time check that *Store implements Catalog.
var _ Catalog = (*Store)(nil)
