package host

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/basket/stowage/internal/ipc"
)

var (
	ErrBadSignature = errors.New("signature mismatch")
	ErrExpired      = errors.New("signed url expired")
)

// Signer presigns object URLs with an HMAC-SHA256 over method, path and expiry.
type Signer struct {
	endpoint *url.URL
	bucket   string
	key      []byte
	expiry   time.Duration
	now      func() time.Time
}

func NewSigner(endpoint, bucket, key string, expiry time.Duration) (*Signer, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse storage endpoint %q: invalid url", endpoint)
	}
	if key == "" {
		return nil, errors.New("storage signing key is required")
	}
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Signer{endpoint: u, bucket: bucket, key: []byte(key), expiry: expiry, now: time.Now}, nil
}

// ContentPath is the object path for an object's content.
func ContentPath(folderID, objectKey string) string {
	return path.Join(folderID, "content", objectKey)
}

// MetadataPath is the object path for one named metadata blob of an object.
func MetadataPath(folderID, objectKey, name string) string {
	return path.Join(folderID, "metadata", objectKey, name)
}

func (s *Signer) objectURL(objectPath string) *url.URL {
	u := *s.endpoint
	u.Path = "/" + path.Join(strings.TrimPrefix(s.endpoint.Path, "/"), s.bucket, objectPath)
	return &u
}

func (s *Signer) signature(method, urlPath string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s\n%s\n%d", method, urlPath, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Sign(method, objectPath string) ipc.SignedURL {
	expiresAt := s.now().Add(s.expiry).UTC().Truncate(time.Second)
	u := s.objectURL(objectPath)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expiresAt.Unix(), 10))
	q.Set("signature", s.signature(method, u.Path, expiresAt.Unix()))
	u.RawQuery = q.Encode()
	return ipc.SignedURL{URL: u.String(), Method: method, ExpiresAt: expiresAt}
}

// Verify checks a URL produced by Sign.
func (s *Signer) Verify(method, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse signed url: %w", err)
	}
	q := u.Query()
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return fmt.Errorf("parse expires: %w", err)
	}
	want := s.signature(method, u.Path, expires)
	if !hmac.Equal([]byte(want), []byte(q.Get("signature"))) {
		return ErrBadSignature
	}
	if s.now().Unix() > expires {
		return ErrExpired
	}
	return nil
}
