package domain

// Activity points awarded by game events. Manual trades and deposits feed
// both the lifetime and epoch scores; auto-stake orders earn nothing.
const (
	PointsForWin     int64 = 25
	PointsForTrade   int64 = 3
	PointsForDeposit int64 = 2
)

// Badge is the rank derived from lifetime points. The index doubles as
// the sentiment vote weight.
type Badge struct {
	Title string `json:"title"`
	Index int64  `json:"index"`
}

// BadgeFor maps lifetime points to a badge tier.
func BadgeFor(points int64) Badge {
	switch {
	case points < 2500:
		return Badge{Title: "Noob", Index: 1}
	case points < 12500:
		return Badge{Title: "Adventurer", Index: 2}
	case points < 100000:
		return Badge{Title: "Meister", Index: 3}
	case points < 350000:
		return Badge{Title: "Knight", Index: 4}
	default:
		return Badge{Title: "Emperor", Index: 5}
	}
}
