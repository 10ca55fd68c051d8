// Package ingest turns acknowledged webhook events into ledger writes,
// conversation lifecycle changes, bot replies, and realtime fan-out. It is
// the only place the inbound state machine lives.
package ingest
