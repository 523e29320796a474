package store

import "github.com/DesignJungle/qhop/internal/models"

var transitionMap = map[string][]string{
	models.StatusCalled:    {models.StatusWaiting},
	models.StatusInService: {models.StatusCalled},
	models.StatusCompleted: {models.StatusInService},
	models.StatusCancelled: {models.StatusWaiting, models.StatusCalled},
	models.StatusNoShow:    {models.StatusWaiting, models.StatusCalled},
}

// ValidTransition reports whether a ticket may move from fromStatus to
// toStatus. Terminal statuses have no outgoing transitions.
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
