package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSignatureExpired = errors.New("signed url expired")
	ErrSignatureInvalid = errors.New("signed url signature mismatch")
)

// Signer issues and checks HMAC-SHA256 signed read links for LocalFS objects.
type Signer struct {
	Secret []byte
}

func (s Signer) sign(container, key string, expires int64) string {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write([]byte(container))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// URL renders {baseURL}/files/{container}/{key}?expires=..&sig=..
func (s Signer) URL(baseURL, container, key string, expires time.Time) string {
	exp := expires.Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(exp, 10))
	q.Set("sig", s.sign(container, key, exp))

	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.TrimRight(baseURL, "/") + "/files/" + url.PathEscape(container) + "/" +
		strings.Join(segments, "/") + "?" + q.Encode()
}

// Verify checks a link's expires/sig query values against now.
func (s Signer) Verify(container, key, expires, sig string, now time.Time) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	want := s.sign(container, key, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrSignatureInvalid
	}
	if now.Unix() > exp {
		return ErrSignatureExpired
	}
	return nil
}
