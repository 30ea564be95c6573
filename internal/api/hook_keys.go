package api

import (
	"net/url"
	"strings"
)

// hookRequest carries the stream-identifying fields a media server may send
// on publish/unpublish callbacks, whether form-encoded or JSON.
type hookRequest struct {
	Name  string `json:"name"`
	Key   string `json:"key"`
	TCURL string `json:"tcurl"`
}

// keyStrategy is one way a media server may encode the stream key. Strategies
// are tried in declaration order and the first non-empty result wins.
type keyStrategy struct {
	name    string
	extract func(req hookRequest) string
}

var keyStrategies = []keyStrategy{
	{name: "name", extract: func(req hookRequest) string {
		return strings.TrimSpace(req.Name)
	}},
	{name: "key", extract: func(req hookRequest) string {
		return strings.TrimSpace(req.Key)
	}},
	{name: "tcurl_query", extract: func(req hookRequest) string {
		query := tcurlQuery(req.TCURL)
		if key := strings.TrimSpace(query.Get("key")); key != "" {
			return key
		}
		return strings.TrimSpace(query.Get("name"))
	}},
	{name: "tcurl_path", extract: func(req hookRequest) string {
		return tcurlPathTail(req.TCURL)
	}},
}

// extractStreamKey resolves the stream key for a hook request and reports the
// winning strategy for diagnostics.
func extractStreamKey(req hookRequest) (string, string) {
	for _, strategy := range keyStrategies {
		if key := strategy.extract(req); key != "" {
			return key, strategy.name
		}
	}
	return "", ""
}

func tcurlQuery(raw string) url.Values {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return url.Values{}
	}
	return parsed.Query()
}

// tcurlPathTail returns the last path segment of a connection URL such as
// rtmp://host/live/<key>. A single segment is the application name, not a
// key, so it is skipped.
func tcurlPathTail(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	segments := make([]string, 0, 4)
	for _, segment := range strings.Split(parsed.Path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	if len(segments) < 2 {
		return ""
	}
	return segments[len(segments)-1]
}
