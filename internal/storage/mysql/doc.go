// Package mysql persists gateway accounts and slot bindings in MySQL. It owns
// the connection pool settings, the embedded schema migrations and the
// transactional slot swap.
package mysql
