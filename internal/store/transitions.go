package store

import "clinicq/internal/models"

var transitionMap = map[string][]string{
	"call_next":  {models.StatusWaiting},
	"complete":   {models.StatusInProgress},
	"cancel":     {models.StatusWaiting},
	"no_show":    {models.StatusInProgress},
	"reposition": {models.StatusWaiting},
}

// ValidTransition reports whether action may be applied to an entry in
// fromStatus. Terminal statuses never appear as a valid source.
func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
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
