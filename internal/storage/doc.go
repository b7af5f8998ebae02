// Package storage persists hearthbot's users and scheduled tasks in SQLite.
//
// A single *Store serves both as the task store of the scheduler and as the
// user directory consulted by the scheduler, the actuator and the bot handler.
package storage
