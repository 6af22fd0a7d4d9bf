// Package storage is the account store.
//
// It provides:
//   - a read snapshot of accounts at session start
//   - the write path for refreshed session material after authentication
//   - an append-only record of finished runs
package storage
