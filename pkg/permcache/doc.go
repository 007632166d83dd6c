// Package permcache provides effective permission caches for the RBAC
// resolver.
//
// MemoryCache is an in-process expirable LRU. RedisCache shares entries
// between processes; organisation-wide and global invalidation bump a
// generation counter instead of scanning keys, so old entries simply stop
// being addressed and age out through their TTL. MultiLevelCache chains
// the two.
//
// Every cache implements rbac.Cache. Cache errors never fail a permission
// check: the resolver logs them and falls back to the database.
package permcache
