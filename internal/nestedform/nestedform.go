// Package nestedform expands bracketed form and query keys into nested
// values: a[b][c]=1 becomes {"a":{"b":{"c":"1"}}}, a[]=1&a[]=2 becomes
// {"a":["1","2"]}, and a repeated plain key becomes a list.
//
// Leaves are strings, containers are map[string]any and []any, so the result
// marshals to JSON directly.
package nestedform

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	// MaxDepth is how many bracket segments are split; the rest of the key
	// is kept as one literal segment.
	MaxDepth = 5
	// MaxIndex bounds a[N] so a single key cannot allocate a huge list.
	// Larger indices are stored as map keys.
	MaxIndex = 20
)

// ParseString decodes a raw query or url-encoded body.
func ParseString(raw string) (map[string]any, error) {
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return nil, err
	}
	return Parse(vals), nil
}

// ParseLenient never fails: a key or value whose escapes do not decode is
// kept as raw text. Used where the input is only recorded, not trusted.
func ParseLenient(raw string) map[string]any {
	vals := url.Values{}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		k = unescapeOrRaw(k)
		vals[k] = append(vals[k], unescapeOrRaw(v))
	}
	return Parse(vals)
}

func unescapeOrRaw(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// Parse nests already decoded values. Keys are processed in sorted order so
// the result does not depend on map iteration.
func Parse(vals url.Values) map[string]any {
	out := map[string]any{}
	if len(vals) == 0 {
		return out
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		root, segs := splitKey(k)
		for _, v := range vals[k] {
			out[root] = assign(out[root], segs, v)
		}
	}
	for k, v := range out {
		out[k] = compact(v)
	}
	return out
}

func splitKey(key string) (string, []string) {
	i := strings.IndexByte(key, '[')
	if i <= 0 {
		return key, nil
	}
	root, rest := key[:i], key[i:]
	var segs []string
	for len(rest) > 0 && rest[0] == '[' && len(segs) < MaxDepth {
		j := strings.IndexByte(rest, ']')
		if j < 0 {
			break
		}
		segs = append(segs, rest[1:j])
		rest = rest[j+1:]
	}
	if len(segs) == 0 {
		return key, nil
	}
	if rest != "" {
		segs = append(segs, rest)
	}
	return root, segs
}

func assign(cur any, segs []string, val string) any {
	if len(segs) == 0 {
		switch c := cur.(type) {
		case nil:
			return val
		case string:
			return []any{c, val}
		case []any:
			return append(c, val)
		case map[string]any:
			c[strconv.Itoa(len(c))] = val
			return c
		}
		return cur
	}

	seg, rest := segs[0], segs[1:]

	if seg == "" {
		switch c := cur.(type) {
		case nil:
			return []any{assign(nil, rest, val)}
		case string:
			return []any{c, assign(nil, rest, val)}
		case []any:
			return append(c, assign(nil, rest, val))
		case map[string]any:
			c[strconv.Itoa(len(c))] = assign(nil, rest, val)
			return c
		}
		return cur
	}

	if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 && idx <= MaxIndex {
		switch c := cur.(type) {
		case nil:
			arr := make([]any, idx+1)
			arr[idx] = assign(nil, rest, val)
			return arr
		case []any:
			for len(c) <= idx {
				c = append(c, nil)
			}
			c[idx] = assign(c[idx], rest, val)
			return c
		}
	}

	var m map[string]any
	switch c := cur.(type) {
	case map[string]any:
		m = c
	case []any:
		m = make(map[string]any, len(c)+1)
		for i, v := range c {
			if v != nil {
				m[strconv.Itoa(i)] = v
			}
		}
	case string:
		// a=1&a[b]=2 keeps both: ["1", {"b":"2"}]
		return []any{c, assign(nil, segs, val)}
	default:
		m = map[string]any{}
	}
	m[seg] = assign(m[seg], rest, val)
	return m
}

// compact drops the holes left by sparse indices, so a[3]=x yields ["x"].
func compact(v any) any {
	switch c := v.(type) {
	case []any:
		out := c[:0]
		for _, e := range c {
			if e != nil {
				out = append(out, compact(e))
			}
		}
		return out
	case map[string]any:
		for k, e := range c {
			c[k] = compact(e)
		}
		return c
	}
	return v
}
