// Package schema defines the records, snapshots and operations exchanged by
// the localsync subsystem.
//
// # Persisted Layout
//
// A namespace is persisted as a single JSON document:
//
//	{
//	  "version": 1,
//	  "todos": [
//	    {
//	      "id": 1,
//	      "text": "buy milk",
//	      "completed": false,
//	      "createdAt": "2024-01-01T10:00:00Z",
//	      "updatedAt": "2024-01-01T10:00:00Z",
//	      "version": 1
//	    }
//	  ],
//	  "nextId": 2,
//	  "lastModified": "2024-01-01T10:00:00Z"
//	}
//
// Documents without a "version" field are legacy and are migrated on read by
// the storage package.
//
// # Versions
//
// Record.Version starts at 1 and increments by exactly one on every
// mutation; UpdatedAt is set to the mutation's wall-clock time. Both are
// used by per-record conflict resolution.
//
// # Operations
//
// An Operation is a not-yet-confirmed mutation (add, toggle, update,
// remove) waiting in the sync queue. Its payload is the record as it looked
// right after the mutation (only the ID is meaningful for remove).
package schema
