package presence

import "slices"

// Elect returns the first bot in priority order that is online and, when
// groupID is non-zero, a member of that group. groupID 0 means a private
// conversation, where being online is enough. The result is recomputed from
// the live registry on every call.
func (r *Registry) Elect(priority []int64, groupID int64) (int64, bool) {
	for _, botID := range priority {
		if !r.IsOnline(botID) {
			continue
		}
		if groupID != 0 && !r.InGroup(botID, groupID) {
			continue
		}
		return botID, true
	}
	return 0, false
}

// ShouldRespond reports whether self is the elected responder for groupID.
// A bot that is not part of the priority list is not subject to election
// and always responds; an election with no qualifying candidate means nobody does.
func (r *Registry) ShouldRespond(self int64, priority []int64, groupID int64) bool {
	if !slices.Contains(priority, self) {
		return true
	}
	leader, ok := r.Elect(priority, groupID)
	return ok && leader == self
}
