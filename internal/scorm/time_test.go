package scorm

import "testing"

func TestAddTime(t *testing.T) {
	cases := []struct {
		first  string
		second string
		want   string
	}{
		{"00:00:00", "00:00:00", "00:00:00"},
		{"00:10:30", "00:05:45", "00:16:15"},
		{"00:00:59.50", "00:00:00.60", "00:01:00.10"},
		{"23:59:59", "00:00:01", "24:00:00"},
		{"01:30:00", "02:45:30", "04:15:30"},
		{"00:00:00.5", "00:00:00.5", "00:00:01"},
		{"00:00:01.25", "00:00:02.25", "00:00:03.50"},
		{"99:59:59", "00:00:01", "100:00:00"},
	}

	for _, c := range cases {
		if got := AddTime(c.first, c.second); got != c.want {
			t.Fatalf("AddTime(%q, %q) = %q, want %q", c.first, c.second, got, c.want)
		}
	}
}

func TestAddTimeCommutative(t *testing.T) {
	pairs := [][2]string{
		{"00:00:59.50", "00:00:00.60"},
		{"01:02:03", "04:05:06.78"},
	}
	for _, p := range pairs {
		if AddTime(p[0], p[1]) != AddTime(p[1], p[0]) {
			t.Fatalf("AddTime not commutative for %q and %q", p[0], p[1])
		}
	}
}
