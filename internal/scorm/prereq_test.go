package scorm

import "testing"

func prereqData() PrereqTrackData {
	return PrereqTrackData{
		"S1": {"status": "completed"},
		"S2": {"status": "passed"},
		"S3": {"status": "failed"},
		"S4": {"status": "incomplete"},
		"S5": {"status": "notattempted"},
	}
}

func TestEvalPrerequisites(t *testing.T) {
	data := prereqData()

	cases := []struct {
		expr string
		want bool
	}{
		{"S1", true},
		{"S3", false},
		{"S9", false},
		{"S1&S2", true},
		{"S1&S3", false},
		{"S1|S3", true},
		{"S3|S5", false},
		{"~S3", true},
		{"~S1", false},
		{"S1&amp;S2", true},
		{"(S1|S3)&S2", true},
		{"(S3|S5)&S2", false},
		{"S1&(S2|S3)", true},
		{"~(S1&S2)", false},
		{"S3=failed", true},
		{"S3=f", true},
		{"S3<>passed", true},
		{"S3<>failed", false},
		{"S5=n", true},
		{"S9=completed", false},
		{"2*{S1,S2,S3}", true},
		{"3*{S1,S2,S3}", false},
		{"1*{S3,S4}", false},
		{"2*{S1, S2, S3}&S1", true},
		{"", false},
		{"S1&", false},
		{"(S1", false},
	}

	for _, c := range cases {
		if got := EvalPrerequisites(c.expr, data); got != c.want {
			t.Fatalf("EvalPrerequisites(%q) = %v, want %v", c.expr, got, c.want)
		}
	}
}
