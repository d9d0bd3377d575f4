package controller

import (
	"errors"
	"fmt"

	"github.com/shwaaa21/automaker-sub000/internal/feature/models"
)

// ErrInvalidTransition is returned when a requested status change is not in
// the transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the full lifecycle graph. Deletion is reachable from every
// non-running state; a running feature must be force-stopped first, which
// the controller enforces before consulting the table.
var transitions = map[models.Status][]models.Status{
	models.StatusBacklog:         {models.StatusInProgress, models.StatusDeleted},
	models.StatusInProgress:      {models.StatusWaitingApproval, models.StatusDeleted},
	models.StatusWaitingApproval: {models.StatusVerified, models.StatusInProgress, models.StatusDeleted},
	models.StatusVerified:        {models.StatusCompleted, models.StatusDeleted},
	models.StatusCompleted:       {models.StatusVerified, models.StatusDeleted},
	models.StatusDeleted:         {},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to models.Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// checkTransition returns ErrInvalidTransition when from → to is illegal.
func checkTransition(from, to models.Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
