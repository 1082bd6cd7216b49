package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNonceVerify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	n := NewNonceManager("secret")
	n.now = func() time.Time { return now }

	action := FormAction("wp_login")
	assert.Equal(t, "spamxpert_form_wp_login", action)

	nonce := n.Create(action, "sid-1")
	assert.Len(t, nonce, 20)
	assert.True(t, n.Verify(nonce, action, "sid-1"))

	assert.False(t, n.Verify("", action, "sid-1"))
	assert.False(t, n.Verify(nonce, FormAction("wp_comments"), "sid-1"))
	assert.False(t, n.Verify(nonce, action, "sid-2"))
	assert.False(t, NewNonceManager("other").Verify(nonce, action, "sid-1"))
}

func TestNonceLifetime(t *testing.T) {
	start := time.Unix(1700000000, 0)
	now := start
	n := NewNonceManager("secret")
	n.now = func() time.Time { return now }

	nonce := n.Create("a", "s")

	now = start.Add(nonceTick)
	assert.True(t, n.Verify(nonce, "a", "s"), "still valid in the following tick")

	now = start.Add(3 * nonceTick)
	assert.False(t, n.Verify(nonce, "a", "s"))
}
