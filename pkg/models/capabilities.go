package models

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Capabilities describes a browser configuration as a set of W3C capability keys
type Capabilities map[string]any

// Well-known capability keys
const (
	CapBrowserName    = "browserName"
	CapBrowserVersion = "browserVersion"
	CapPlatformName   = "platformName"
	CapCDP            = "se:cdp"
	CapCDPVersion     = "se:cdpVersion"
	CapWebSocketURL   = "webSocketUrl"
)

// Clone returns a deep copy so callers can never mutate a shared value
func (c Capabilities) Clone() Capabilities {
	if c == nil {
		return Capabilities{}
	}
	out := make(Capabilities, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Capabilities:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// With returns a copy with key set to value
func (c Capabilities) With(key string, value any) Capabilities {
	out := c.Clone()
	out[key] = value
	return out
}

// Merge returns a copy of c overlaid with other. Keys present in both with
// different values are reported as an invalid argument.
func (c Capabilities) Merge(other Capabilities) (Capabilities, error) {
	out := c.Clone()
	for k, v := range other {
		if existing, ok := out[k]; ok && !valuesEqual(existing, v) {
			return nil, errors.Wrapf(ErrInvalidArgument, "capability %q appears in both alwaysMatch and firstMatch", k)
		}
		out[k] = cloneValue(v)
	}
	return out, nil
}

// BrowserName returns the requested browser, or "" when unset
func (c Capabilities) BrowserName() string {
	name, _ := c[CapBrowserName].(string)
	return name
}

// Matches reports whether every key requested in c is present in stereotype
// with an equal value. The stereotype may declare extra keys.
func (c Capabilities) Matches(stereotype Capabilities) bool {
	for k, want := range c {
		have, ok := stereotype[k]
		if !ok {
			return false
		}
		if !valuesEqual(want, have) {
			return false
		}
	}
	return true
}

// Keys returns the capability names in sorted order
func (c Capabilities) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c Capabilities) String() string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{" + strings.Join(c.Keys(), ",") + "}"
	}
	return string(b)
}

// valuesEqual compares two JSON-like values after normalising them through
// encoding/json so that int(1) and float64(1) compare equal.
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	na, errA := normalize(a)
	nb, errB := normalize(b)
	if errA != nil || errB != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
