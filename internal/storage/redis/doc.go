// Package redis offers the distributed slot lock used when several gateway
// instances share one slot store.
package redis
