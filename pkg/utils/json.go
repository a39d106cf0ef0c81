package utils

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ExtractJSONObject trims model output to the outermost {...} span, which
// drops markdown fences and chatter around the payload.
func ExtractJSONObject(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "{"); idx >= 0 {
		content = content[idx:]
	}
	if idx := strings.LastIndex(content, "}"); idx >= 0 {
		content = content[:idx+1]
	}
	return content
}

// UnmarshalLenient unmarshals data into v. On a syntax error it repairs the
// JSON and retries once.
func UnmarshalLenient(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); !ok {
		if !strings.Contains(err.Error(), "unexpected end of JSON input") {
			return err
		}
	}
	fixed, rerr := jsonrepair.JSONRepair(string(data))
	if rerr != nil {
		return err
	}
	return json.Unmarshal([]byte(fixed), v)
}

// ParseModelJSON extracts and leniently decodes a JSON object from model output.
func ParseModelJSON(content string, v any) error {
	return UnmarshalLenient([]byte(ExtractJSONObject(content)), v)
}
