package notifier

import (
	"strings"
	"testing"
)

func TestFormatMessage(t *testing.T) {
	p := &Posting{
		ID:    "https://app.seekube.com/jobdating/jobs/42",
		Title: "Backend Engineer",
		URL:   "https://app.seekube.com/jobdating/jobs/42",
	}

	got := FormatMessage(p)
	want := "🆕 New Seekube job:\n\nBackend Engineer\nhttps://app.seekube.com/jobdating/jobs/42"
	if got != want {
		t.Errorf("FormatMessage() = %q, want %q", got, want)
	}
}

func TestParseSessionState(t *testing.T) {
	data := []byte(`{
		"cookies": [{"name": "sid", "value": "abc", "domain": ".seekube.com", "path": "/", "expires": -1, "httpOnly": true, "secure": true, "sameSite": "Lax"}],
		"origins": [{"origin": "https://app.seekube.com", "localStorage": [{"name": "token", "value": "xyz"}]}]
	}`)

	st, err := ParseSessionState(data)
	if err != nil {
		t.Fatalf("ParseSessionState() error = %v", err)
	}
	if len(st.Cookies) != 1 || st.Cookies[0].Name != "sid" || !st.Cookies[0].HTTPOnly {
		t.Errorf("unexpected cookies: %+v", st.Cookies)
	}
	if len(st.Origins) != 1 || st.Origins[0].LocalStorage[0].Value != "xyz" {
		t.Errorf("unexpected origins: %+v", st.Origins)
	}

	if _, err := ParseSessionState([]byte("not json")); err == nil {
		t.Error("ParseSessionState() should fail on invalid JSON")
	}
}

func TestMarshalEmptyState(t *testing.T) {
	st := &SessionState{}
	data, err := st.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	// Playwright rejects null arrays, so empty state must encode as [].
	if !strings.Contains(string(data), `"cookies": []`) || !strings.Contains(string(data), `"origins": []`) {
		t.Errorf("Marshal() = %s, want empty arrays", data)
	}
}
