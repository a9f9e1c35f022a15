package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/Underflow0/kid-bank/internal/keys"
)

var errMalformedToken = errors.New("malformed continuation token")

// cursorCodec turns the last key of a page into an opaque continuation token.
// With a secret the token is "<payload>.<mac>", otherwise just "<payload>".
type cursorCodec struct {
	secret []byte
}

func newCursorCodec(secret string) cursorCodec {
	if secret == "" {
		return cursorCodec{}
	}
	return cursorCodec{secret: []byte(secret)}
}

func (c cursorCodec) encode(k keys.Key) (string, error) {
	raw, err := json.Marshal(k)
	if err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	if c.secret != nil {
		token += "." + base64.RawURLEncoding.EncodeToString(c.sign(raw))
	}
	return token, nil
}

func (c cursorCodec) decode(token string) (keys.Key, error) {
	payload, mac, signed := strings.Cut(token, ".")
	if signed != (c.secret != nil) {
		return keys.Key{}, errMalformedToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return keys.Key{}, errMalformedToken
	}

	if c.secret != nil {
		got, err := base64.RawURLEncoding.DecodeString(mac)
		if err != nil || !hmac.Equal(got, c.sign(raw)) {
			return keys.Key{}, errMalformedToken
		}
	}

	var k keys.Key
	if err := json.Unmarshal(raw, &k); err != nil || k.IsZero() {
		return keys.Key{}, errMalformedToken
	}
	return k, nil
}

func (c cursorCodec) sign(raw []byte) []byte {
	h := hmac.New(sha256.New, c.secret)
	h.Write(raw)
	return h.Sum(nil)
}
