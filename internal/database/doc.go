// Package database opens the PostgreSQL pool the event journal writes to.
package database
