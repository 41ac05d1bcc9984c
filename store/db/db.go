// Package db composes the concrete store drivers.
package db

import (
	"github.com/devmatch/devmatch/internal/profile"
	"github.com/devmatch/devmatch/store"
	"github.com/devmatch/devmatch/store/db/postgres"
)

// NewDBDriver creates the store driver for the configured database.
// pgvector similarity search is mandatory, so postgres is the only backend.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	return postgres.NewDB(profile)
}
