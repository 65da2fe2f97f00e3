package boarding

import "schooltrip-engine/internal/models"

var allowed = map[models.BoardingStatus][]models.BoardingStatus{
	models.BoardingStatusPending: {models.BoardingStatusBoarded, models.BoardingStatusAbsent},
	models.BoardingStatusBoarded: {models.BoardingStatusAlighted},
}

// CanTransition reports whether a driver-confirmed change from one status to
// another is permitted. Alighted and absent are terminal.
func CanTransition(from, to models.BoardingStatus) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllStatuses lists every boarding status
func AllStatuses() []models.BoardingStatus {
	return []models.BoardingStatus{
		models.BoardingStatusPending,
		models.BoardingStatusBoarded,
		models.BoardingStatusAlighted,
		models.BoardingStatusAbsent,
	}
}
