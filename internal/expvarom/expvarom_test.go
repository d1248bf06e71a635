package expvarom

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsHandler(t *testing.T) {
	i := NewInt("test/someCount", "an integer counter")
	i.Add(3)

	m := NewMap("test/byResult", "result", "a map counter")
	m.Add("ok", 2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	MetricsHandler(w, req)

	body := w.Body.String()
	for _, expect := range []string{
		"# HELP test_someCount an integer counter\n",
		"test_someCount 3\n",
		`test_byResult{result="ok"} 2` + "\n",
		"# EOF\n",
	} {
		if !strings.Contains(body, expect) {
			t.Errorf("output missing %q:\n%s", expect, body)
		}
	}
}

func TestOMName(t *testing.T) {
	cases := []struct{ in, out string }{
		{"a/b/c", "a_b_c"},
		{"a-b.c", "a_b_c"},
		{"plain", "plain"},
	}
	for _, c := range cases {
		if got := omName(c.in); got != c.out {
			t.Errorf("omName(%q): got %q, expected %q", c.in, got, c.out)
		}
	}
}
