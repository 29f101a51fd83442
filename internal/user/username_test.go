package user

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveUsername(t *testing.T) {
	cases := []struct {
		email string
		want  string
	}{
		{"alice@example.com", "alice"},
		{"Alice.Smith@example.com", "alice.smith"},
		{"bob_jones-2@corp.example.org", "bob_jones-2"},
		{"weird+tag@example.com", "weirdtag"},
		{"Ünïcode@example.com", "ncode"},
		{"no-at-sign", "no-at-sign"},
		{"@example.com", "user"},
		{"+++@example.com", "user"},
		{"", "user"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeriveUsername(tc.email), "email %q", tc.email)
	}
}
