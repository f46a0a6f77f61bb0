package persistence

import (
	"PerpVenue/internal/core"
	"PerpVenue/internal/ingestion"
)

// Publishables exposes outbound-notice construction to the package tests.
func (pw *PersistenceWorker) Publishables(out core.Output) []ingestion.PublishableEvent {
	return pw.publishables(out)
}
