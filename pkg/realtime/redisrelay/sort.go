package redisrelay

import (
	"cmp"
	"slices"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

// SortPresence orders a snapshot by arrival, then user id. Redis hashes have
// no stable order of their own.
func SortPresence(recs []model.PresenceRecord) {
	slices.SortFunc(recs, func(a, b model.PresenceRecord) int {
		if c := a.OnlineAt.Compare(b.OnlineAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
}
