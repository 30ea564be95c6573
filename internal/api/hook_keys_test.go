package api

import "testing"

func TestExtractStreamKeyPrecedence(t *testing.T) {
	cases := []struct {
		name         string
		req          hookRequest
		wantKey      string
		wantStrategy string
	}{
		{
			name:         "direct name wins",
			req:          hookRequest{Name: "abc", Key: "def", TCURL: "rtmp://host/live/ghi"},
			wantKey:      "abc",
			wantStrategy: "name",
		},
		{
			name:         "key beats connection url",
			req:          hookRequest{Key: "def", TCURL: "rtmp://host/live?key=ghi"},
			wantKey:      "def",
			wantStrategy: "key",
		},
		{
			name:         "connection url query key",
			req:          hookRequest{TCURL: "rtmp://host/live?key=ghi"},
			wantKey:      "ghi",
			wantStrategy: "tcurl_query",
		},
		{
			name:         "connection url query name fallback",
			req:          hookRequest{TCURL: "rtmp://host/live?name=jkl"},
			wantKey:      "jkl",
			wantStrategy: "tcurl_query",
		},
		{
			name:         "connection url path tail",
			req:          hookRequest{TCURL: "rtmp://host/live/mno"},
			wantKey:      "mno",
			wantStrategy: "tcurl_path",
		},
		{
			name:         "whitespace name falls through",
			req:          hookRequest{Name: "   ", TCURL: "rtmp://host/live/pqr"},
			wantKey:      "pqr",
			wantStrategy: "tcurl_path",
		},
		{
			name:    "application-only path is not a key",
			req:     hookRequest{TCURL: "rtmp://host/live"},
			wantKey: "",
		},
		{
			name:    "nothing to extract",
			req:     hookRequest{},
			wantKey: "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, strategy := extractStreamKey(tc.req)
			if key != tc.wantKey {
				t.Fatalf("key = %q, want %q", key, tc.wantKey)
			}
			if strategy != tc.wantStrategy {
				t.Fatalf("strategy = %q, want %q", strategy, tc.wantStrategy)
			}
		})
	}
}

func TestTCURLPathTailIgnoresMalformedURL(t *testing.T) {
	if got := tcurlPathTail("://not a url"); got != "" {
		t.Fatalf("expected empty key for malformed url, got %q", got)
	}
}
