// Package hybridcache is a disk-backed blob cache for the output of an
// expensive, deterministic transformation such as resizing an image.
//
// A Cache answers GetOrCreate(key, producer): repeated requests for the same
// key are served from storage, concurrent requests for a key that is being
// produced wait for that single production, and freshly produced bytes are
// returned to the caller before they are persisted.
//
// # Architecture
//
//   - cachekey folds a request (path, query, watermarks) into a 16-byte Key.
//   - An existence bitmap answers "definitely absent" without I/O.
//   - metastore indexes Key to blob location, size and timestamps. The
//     default engine shards the keyspace, each shard journaling to its own
//     append-only write log that is replayed on Start.
//   - blobstore holds one object per entry (local files, S3, MinIO).
//   - A byte-budgeted write queue persists produced bytes in the background
//     and writes synchronously when the budget is exhausted.
//   - A cleanup loop evicts least recently used entries once the size
//     ceiling is reached, never touching entries younger than a minimum age.
//
// # Quick Start
//
//	c, err := hybridcache.Open(
//	    hybridcache.WithRootDir("/var/cache/images"),
//	    hybridcache.WithMaxCacheBytes(10<<30),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop(context.Background())
//
//	key := cachekey.Build(cachekey.Request{Path: "/photos/cat.jpg", Query: params})
//	res, err := c.GetOrCreate(ctx, key, func(ctx context.Context, _ cachekey.Key) (string, []byte, error) {
//	    return resize(ctx, "/photos/cat.jpg", params)
//	})
//
// # Failure Model
//
// The cache is an optimization layer. Persistence, replay and eviction
// failures never fail a request; they are logged, counted and collected in
// Issues. Only producer failures reach the caller, as *ProductionError.
package hybridcache
