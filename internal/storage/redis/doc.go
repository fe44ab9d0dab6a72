// Package redis keeps gateway sessions, payment claims and finished reports
// in Redis. Keys share a configurable prefix so several gateways can use
// one Redis database.
//
// The store tests need a live server: set REDIS_ADDR (for example
// localhost:6379) before running them. Without it they skip locally and
// fail when CI is set.
package redis
