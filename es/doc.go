// Package es provides core event store infrastructure.
//
// # Overview
//
// This package defines the fundamental types and interfaces for an
// append-only, stream-oriented event store:
//   - Event / PersistedEvent: immutable facts and their committed form
//   - ExpectedVersion: optimistic concurrency declarations
//   - Snapshot: advisory cached stream state
//   - DBTX: database transaction abstraction for the SQL adapters
//
// # Design Philosophy
//
// Clean Architecture: Core interfaces are backend-agnostic. Infrastructure
// concerns (PostgreSQL, MySQL, SQLite, Pebble) are isolated in adapter
// packages under es/adapters.
//
// Transaction Control: The SQL adapters accept DBTX instead of managing
// transactions, so you can combine event appends with other database work
// atomically. Each adapter also ships a DB binding that manages
// transactions internally and satisfies store.Backend for use with the
// client facade and the subscription engine.
//
// Immutability: Events are value objects. They don't have identity until
// persisted and assigned a stream version and global position by the store.
//
// # Quick Start
//
// 1. Generate database migrations:
//
//	go run github.com/getlode/lodestream/cmd/migrate-gen -output migrations
//
// 2. Apply migrations to your database
//
// 3. Create a store and a facade:
//
//	import (
//	    "github.com/getlode/lodestream/es/adapters/postgres"
//	    "github.com/getlode/lodestream/es/client"
//	)
//
//	backend := postgres.NewDB(db, postgres.DefaultStoreConfig())
//	c, err := client.New(backend)
//
// 4. Append events:
//
//	result, err := c.Append(ctx, "order", orderID, es.Exact(0), events)
//
// 5. Subscribe to the global feed:
//
//	sub, err := c.Subscribe("order-projection", handler)
//	go sub.Run(ctx)
//
// See the examples directory for complete working examples.
package es
