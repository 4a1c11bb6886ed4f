// Package schema defines the document model of the temple ledger.
//
// # Overview
//
// Every collection in the local store holds schema-less JSON documents
// (Document). The typed entities in this package (Record, Believer,
// Reminder, Category) convert to and from documents and validate user
// input before it reaches the store; the store itself accepts any
// document with a usable key.
//
// # Collections
//
//   - records     income and expense entries
//   - believers   donors and temple members
//   - reminders   dated tasks, optionally repeating
//   - categories  custom income/expense categories
//   - syncQueue   pending local mutations awaiting upload
//   - settings    local key/value settings (keyed by "key")
//
// # Timestamps
//
// createdAt and updatedAt are stored as fixed-width RFC 3339 UTC strings
// (see FormatTime) so that string order equals time order inside SQLite
// indexes.
//
// # Layouts
//
// A Layout declares the stores and indexes required at a schema version.
// Each version's index set is a superset of the previous one:
//
//	layout := schema.Current()
//	store, _ := layout.Store(schema.Records)
//	for _, idx := range store.Indexes {
//	    fmt.Println(idx.Name)
//	}
package schema
