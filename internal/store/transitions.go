package store

import "qms/ticket-service/internal/models"

var transitionMap = map[string][]string{
	models.StatusServing:   {models.StatusWaiting},
	models.StatusCompleted: {models.StatusServing},
	models.StatusNoShow:    {models.StatusServing},
	models.StatusCancelled: {models.StatusWaiting, models.StatusServing},
}

// ValidTransition reports whether a ticket in fromStatus may move to toStatus.
func ValidTransition(fromStatus, toStatus string) bool {
	allowed, ok := transitionMap[toStatus]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
