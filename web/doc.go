// Package web serves the bot's small HTTP surface: a greeting, a health
// check, a shutdown endpoint, shard status and read-only views of the
// message cache.
//
// The server runs as a supervised subsystem. It stops accepting requests
// when shutdown is observed and drains in-flight requests with
// http.Server.Shutdown. A listener failure ends Run with an error, which the
// process supervisor turns into a global shutdown.
//
//	GET  /                          greeting
//	GET  /healthz                   {"status":"ok"}
//	GET  /shutdown, POST /shutdown  fire the shutdown trigger
//	GET  /shards                    per-shard state and event counts
//	GET  /channels/{id}/messages    cached messages, oldest first
//	GET  /channels/{id}/search?q=   full-text search within a channel
package web
