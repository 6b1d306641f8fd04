package sandbox

import "testing"

func TestResultCombined(t *testing.T) {
	cases := []struct {
		name string
		res  Result
		want string
	}{
		{"combined output", Result{Output: "hello\n"}, "hello\n"},
		{"split streams", Result{Stdout: "out", Stderr: "err"}, "out\nerr"},
		{"stderr only", Result{Stderr: "traceback"}, "traceback"},
		{"empty", Result{}, "(no output)"},
	}
	for _, c := range cases {
		if got := c.res.Combined(); got != c.want {
			t.Errorf("%s: Combined() = %q, want %q", c.name, got, c.want)
		}
	}
}
