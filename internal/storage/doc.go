// Package storage provides the durable side of the broadcast engine: the
// broadcast progress store and the audience queries, on either SQLite
// (single-node deployments) or PostgreSQL (what the production storefront
// runs on).
//
// The users and orders tables are owned by the wider storefront bot; this
// package only reads them for audience resolution and ban rechecks.
package storage
