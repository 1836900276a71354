// Package lodestream provides an append-only event store for Go applications.
//
// This package serves as the main entry point for the lodestream library.
// For the core event store functionality, see the es package and its subpackages:
//
//	es              - Core types: Event, Snapshot, ExpectedVersion
//	es/store        - Backend abstractions and error taxonomy
//	es/client       - High-level event store façade
//	es/subscription - Durable checkpointed subscriptions
//	es/adapters/postgres - PostgreSQL implementation
//	es/adapters/mysql    - MySQL implementation
//	es/adapters/sqlite   - SQLite implementation
//	es/adapters/pebble   - Embedded Pebble implementation
//	es/migrations   - Migration generation
//
// Quick Start:
//
//  1. Generate migrations:
//     go run github.com/getlode/lodestream/cmd/migrate-gen -output migrations
//
//  2. Create a backend and append events:
//     backend := postgres.NewDB(db, postgres.DefaultStoreConfig())
//     c, _ := client.New(backend)
//     result, err := c.Append(ctx, "order", "order-1", es.NoStream(), events)
//
//  3. Subscribe to the global feed:
//     sub, _ := c.Subscribe("projector", myHandler)
//     sub.Run(ctx)
//
// See the examples directory for complete working examples.
package lodestream

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
