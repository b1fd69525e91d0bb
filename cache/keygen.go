package cache

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
)

// maxKeyLength is the longest key stored verbatim; longer keys are hashed
const maxKeyLength = 200

// KeyFor builds a stable key from url + sorted params. The same parameter set
// always produces the same key regardless of map iteration order. Params are
// appended after any query url already carries.
func KeyFor(prefix, url string, params map[string]string) string {
	full := url
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + params[k]
		}
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		full = url + sep + strings.Join(parts, "&")
	}

	// For very long keys, use hash to bound memory
	if len(full) > maxKeyLength {
		hash := md5.Sum([]byte(full))
		return prefix + fmt.Sprintf("%x", hash)[:16]
	}

	return prefix + full
}

// shortKey truncates a key for log output
func shortKey(key string) string {
	if len(key) > 50 {
		return key[:50] + "..."
	}
	return key
}
