// Package crawler holds the discovery domain model shared by every
// subsystem: frontier candidates, the seen-URL ledger, Wikipedia pages and
// citations, accepted content, their closed status enums with transition
// tables, and the collaborator interfaces (stores, fetcher, scorer, feed).
package crawler
