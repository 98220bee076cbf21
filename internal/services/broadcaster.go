package services

import "fairbet-gateway/internal/models"

// Broadcaster pushes terminal rounds to the public fairness feed.
type Broadcaster interface {
	BroadcastResolved(view models.CommitmentView)
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastResolved(models.CommitmentView) {}
