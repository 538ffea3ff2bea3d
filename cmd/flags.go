package cmd

import (
	"fmt"
	"strconv"
	"strings"
)

// parseProps turns key=value pairs into a property map. Values that parse as
// numbers or booleans keep that type.
func parseProps(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	props := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("property %q is not key=value", p)
		}
		props[k] = typed(v)
	}
	return props, nil
}

func typed(v string) any {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}
