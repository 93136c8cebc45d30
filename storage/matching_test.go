package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/raniellyferreira/redis-runtime/storage"
)

var matchTestCases = []struct {
	name     string
	str      string
	pattern  string
	expected bool
}{
	// Empty patterns
	{"empty pattern, empty string", "", "", true},
	{"empty pattern, non-empty string", "test", "", false},
	{"non-empty pattern, empty string", "", "test", false},

	// Exact matches
	{"exact match", "hello", "hello", true},
	{"exact match case sensitive", "Hello", "hello", false},

	// Wildcards
	{"single wildcard", "test", "*", true},
	{"single wildcard, empty string", "", "*", true},
	{"prefix match", "hello world", "hello*", true},
	{"prefix no match", "hi world", "hello*", false},
	{"suffix match", "hello world", "*world", true},
	{"middle wildcard empty middle", "helloworld", "hello*world", true},
	{"single char wildcard", "hello", "hell?", true},
	{"single char wildcard no match", "hello", "hell??", false},
	{"multiple wildcards", "hello world test", "hello*world*", true},
	{"multiple wildcards no match", "hello universe test", "hello*world*", false},
	{"only stars", "anything", "***", true},
	{"backtracking", "aXbXc", "a*b*c", true},

	// Classes and escapes
	{"class", "hallo", "h[ae]llo", true},
	{"class no match", "hillo", "h[ae]llo", false},
	{"negated class", "hillo", "h[^e]llo", true},
	{"range", "key5", "key[0-9]", true},
	{"range no match", "keyx", "key[0-9]", false},
	{"escaped star", "a*b", `a\*b`, true},
	{"escaped star literal only", "axb", `a\*b`, false},
	{"unterminated class", "a[b", "a[b", true},

	// Real-world key and channel patterns
	{"slash in key", "path/to/key", "path*", true},
	{"redis key middle", "user:123:profile", "user:*:profile", true},
	{"redis key complex", "cache:user:123:data", "cache:*:*:data", true},
	{"channel pattern", "events:orders", "events:*", true},
	{"channel pattern other prefix", "other:orders", "events:*", false},
}

func TestMatchPattern(t *testing.T) {
	for _, tc := range matchTestCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, storage.MatchPattern(tc.pattern, tc.str))
		})
	}
}
