// Package cache holds the in-memory entity cache every shard writes into.
//
// The cache keeps, per channel, at most MessageCacheSize message snapshots
// in arrival order. Pushing into a full channel evicts that channel's
// oldest message; channels never affect each other. Nothing is persisted.
//
//	c := cache.New(cache.Config{MessageCacheSize: cache.DefaultMessageCacheSize})
//	c.Apply(ev)                 // from the shard loop, before dispatch
//	recent := c.Messages("1234") // oldest first
//
// An optional Index mirrors the cached messages into an in-memory bleve
// index for the web service's search route.
package cache
