package ws

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// DocGroup names the broadcast group for a document room. The share token
// is already an unguessable capability, so it is used directly.
func DocGroup(shareToken string) string {
	return "doc:" + shareToken
}

// UserGroup names a user's private notification group. The name is a keyed
// one-way function of the user id: knowing someone's numeric id must not be
// enough to derive (and subscribe to) their channel.
func UserGroup(secret string, userID int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(userID, 10)))
	return "user:" + hex.EncodeToString(mac.Sum(nil))
}
