package pipeline

import (
	"encoding/json"
	"net/url"
	"strings"
)

// CookieParser parses the Cookie header into the cookie map. The first
// occurrence of a name wins.
func CookieParser() Stage {
	return StageFunc{StageName: "cookies", Fn: func(ex *Exchange) error {
		st := stateFrom(ex.Context())
		out := map[string]any{}
		for _, c := range ex.R.Cookies() {
			if _, seen := out[c.Name]; seen {
				continue
			}
			out[c.Name] = cookieValue(c.Value)
		}
		st.cookies = out
		return nil
	}}
}

func cookieValue(raw string) any {
	v := raw
	if dec, err := url.QueryUnescape(strings.ReplaceAll(raw, "+", "%2B")); err == nil {
		v = dec
	}
	if rest, ok := strings.CutPrefix(v, "j:"); ok {
		var decoded any
		if err := json.Unmarshal([]byte(rest), &decoded); err == nil {
			return decoded
		}
	}
	return v
}
