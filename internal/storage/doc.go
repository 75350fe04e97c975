package storage

// Package storage persists mealbot's scheduling state:
//
//   - Scheduled tasks (so timers survive restarts)
//   - Registration windows (deletion of a row is the "processed" commit point)
//   - Reaction records (idempotent opt-in/opt-out ledger rows)
//
// The sqlite driver is the production backend; the memory driver backs tests
// and the "none" configuration.
