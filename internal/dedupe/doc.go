// Package dedupe provides a time-bounded cache of provider message IDs so
// retried webhook deliveries can be dropped before touching the database.
package dedupe
