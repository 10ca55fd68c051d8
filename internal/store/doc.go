// Package store provides SQLite-backed persistence for contacts,
// conversations, and the append-only message ledger. Uniqueness invariants
// (one contact per phone number, one active conversation per contact, one
// message per provider message ID) are enforced by the schema, not by
// application locking.
package store
