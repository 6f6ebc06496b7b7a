package domain

import "testing"

func TestBadgeForThresholds(t *testing.T) {
	cases := []struct {
		points int64
		title  string
		index  int64
	}{
		{0, "Noob", 1},
		{2499, "Noob", 1},
		{2500, "Adventurer", 2},
		{12499, "Adventurer", 2},
		{12500, "Meister", 3},
		{99999, "Meister", 3},
		{100000, "Knight", 4},
		{349999, "Knight", 4},
		{350000, "Emperor", 5},
		{1000000, "Emperor", 5},
	}

	for _, tc := range cases {
		badge := BadgeFor(tc.points)
		if badge.Title != tc.title || badge.Index != tc.index {
			t.Errorf("BadgeFor(%d) = %s/%d, expected %s/%d",
				tc.points, badge.Title, badge.Index, tc.title, tc.index)
		}
	}
}
