package score

import (
	"strings"

	"github.com/louisbranch/rewind/internal/services/debugger/domain/envelope"
	"github.com/tidwall/gjson"
)

// contentPaths are probed in order for the text of a message body.
var contentPaths = []string{
	"content",
	"text",
	"message.content",
	"messages.@reverse.0.content",
	"agent_response.chat_message.content",
}

// Content returns the human-readable text of a payload: the first string
// found at a well-known path, a bare JSON string, or the raw body.
func Content(p envelope.Payload) string {
	if len(p.Body) == 0 {
		return ""
	}
	body := string(p.Body)
	if !gjson.Valid(body) {
		return body
	}
	parsed := gjson.Parse(body)
	if parsed.Type == gjson.String {
		return parsed.String()
	}
	for _, path := range contentPaths {
		v := parsed.Get(path)
		switch {
		case v.Type == gjson.String:
			return v.String()
		case v.IsArray():
			var parts []string
			for _, item := range v.Array() {
				if item.Type == gjson.String {
					parts = append(parts, item.String())
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n")
			}
		}
	}
	return body
}
