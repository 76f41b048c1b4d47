package app

import (
	"github.com/stacklok/courier-sync/internal/connectivity"
	"github.com/stacklok/courier-sync/internal/kvstore"
	"github.com/stacklok/courier-sync/internal/offline"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Store is the persistent store shared by queue, cache and engine
	Store kvstore.VersionedStore

	// Monitor turns provider readings into connectivity transitions
	Monitor *connectivity.Monitor

	// Manual is set when connectivity is pushed through the API
	Manual *connectivity.ManualProvider

	// Coordinator is the offline engine facade
	Coordinator *offline.Coordinator
}
