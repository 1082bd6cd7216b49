package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// nonceTick is half of a nonce's lifetime. A nonce verifies during the tick
// it was created in and the one after.
const nonceTick = 12 * time.Hour

// NonceManager issues CSRF nonces bound to an action and a browser session.
type NonceManager struct {
	secret []byte
	now    func() time.Time
}

func NewNonceManager(secret string) *NonceManager {
	return &NonceManager{secret: []byte(secret), now: time.Now}
}

// FormAction is the nonce action protecting formID.
func FormAction(formID string) string {
	return "spamxpert_form_" + formID
}

func (n *NonceManager) tick() int64 {
	return n.now().Unix() / int64(nonceTick/time.Second)
}

func (n *NonceManager) Create(action, sessionID string) string {
	return n.compute(n.tick(), action, sessionID)
}

func (n *NonceManager) Verify(nonce, action, sessionID string) bool {
	if nonce == "" {
		return false
	}
	t := n.tick()
	for _, tick := range []int64{t, t - 1} {
		if hmac.Equal([]byte(nonce), []byte(n.compute(tick, action, sessionID))) {
			return true
		}
	}
	return false
}

func (n *NonceManager) compute(tick int64, action, sessionID string) string {
	h := hmac.New(sha256.New, n.secret)
	h.Write([]byte(strconv.FormatInt(tick, 10) + "|" + action + "|" + sessionID))
	return hex.EncodeToString(h.Sum(nil))[:20]
}
