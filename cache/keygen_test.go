package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyFor(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		params map[string]string
		want   string
	}{
		{"no params", "https://api.example.com/v1/quote", nil, "svc_https://api.example.com/v1/quote"},
		{"sorted params", "https://api.example.com/q", map[string]string{"b": "2", "a": "1"}, "svc_https://api.example.com/q?a=1&b=2"},
		{"empty map", "u", map[string]string{}, "svc_u"},
		{"url with query", "https://api.example.com/q?x=1", map[string]string{"a": "2"}, "svc_https://api.example.com/q?x=1&a=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KeyFor("svc_", tt.url, tt.params))
		})
	}
}

func TestKeyFor_OrderIndependent(t *testing.T) {
	a := map[string]string{"ids": "bitcoin", "vs_currencies": "usd", "include_24hr_change": "true"}
	b := map[string]string{"include_24hr_change": "true", "ids": "bitcoin", "vs_currencies": "usd"}

	for i := 0; i < 20; i++ {
		assert.Equal(t, KeyFor("p_", "u", a), KeyFor("p_", "u", b))
	}
}

func TestKeyFor_LongKeysAreHashed(t *testing.T) {
	long := "https://api.example.com/" + strings.Repeat("x", 300)
	key := KeyFor("svc_", long, map[string]string{"a": "1"})

	assert.True(t, strings.HasPrefix(key, "svc_"))
	assert.Len(t, key, len("svc_")+16)
	assert.Equal(t, key, KeyFor("svc_", long, map[string]string{"a": "1"}))
	assert.NotEqual(t, key, KeyFor("svc_", long, map[string]string{"a": "2"}))
}

func TestMemory_KeyForUsesPrefix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Prefix = "test_"
	m, err := NewMemory(cfg)
	assert.NoError(t, err)
	assert.Equal(t, "test_u?a=1", m.KeyFor("u", map[string]string{"a": "1"}))
}
