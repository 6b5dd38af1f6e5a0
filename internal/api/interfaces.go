package api

import (
	"context"

	"collab-core/internal/models"
	"collab-core/internal/validator"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package is the CONSUMER of the collaboration and persistence
services, so the interfaces it depends on live HERE. Handlers declare
exactly the methods they call; implementations can change freely, and
tests swap in fakes without touching the services.
*/

// Validator is what the publish handler needs from the external
// structural validation collaborator.
type Validator interface {
	Validate(ctx context.Context, documentID, content string) (*validator.Result, error)
}

// Flusher is what the publish handler needs from the persistence
// manager: force the published text to the content store now.
type Flusher interface {
	FlushNow(ctx context.Context, documentID string) error
}

// PresenceDirectory lists the live cursors on a document.
type PresenceDirectory interface {
	GetPresence(documentID string) []*models.Presence
}
