// Package mysql opens the shared MySQL connection pool, applies the embedded
// schema migrations and offers the transaction helper used by the domain
// stores.
package mysql
