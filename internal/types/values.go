package types

import (
	"slices"

	"github.com/zenvoice/sipcore/internal/util"
)

// Values is a multimap with case-insensitive string keys, backing URI
// and header parameters.
type Values map[string][]string

// Get returns all values stored under key.
func (vals Values) Get(key string) []string { return vals[util.LCase(key)] }

// First returns the first value stored under key.
func (vals Values) First(key string) (string, bool) {
	if v := vals[util.LCase(key)]; len(v) > 0 {
		return v[0], true
	}
	return "", false
}

// Last returns the last value stored under key.
func (vals Values) Last(key string) (string, bool) {
	if v := vals[util.LCase(key)]; len(v) > 0 {
		return v[len(v)-1], true
	}
	return "", false
}

// Set replaces the values stored under key with value.
func (vals Values) Set(key, value string) Values {
	vals[util.LCase(key)] = []string{value}
	return vals
}

// Append adds value behind the values stored under key.
func (vals Values) Append(key, value string) Values {
	key = util.LCase(key)
	vals[key] = append(vals[key], value)
	return vals
}

// Del removes all values stored under key.
func (vals Values) Del(key string) Values {
	delete(vals, util.LCase(key))
	return vals
}

// Has reports whether any value is stored under key.
func (vals Values) Has(key string) bool {
	_, ok := vals[util.LCase(key)]
	return ok
}

// Clone returns a deep copy. A nil map clones to nil.
func (vals Values) Clone() Values {
	var out Values
	for k, vs := range vals {
		if out == nil {
			out = make(Values, len(vals))
		}
		out[k] = slices.Clone(vs)
	}
	return out
}
