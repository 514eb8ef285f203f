// Package codec turns values into the opaque text tokens kept in the local
// store and back. Tokens written by every earlier storage format still
// decode: Decode walks the known schemes from newest to oldest and takes
// the first that yields a value.
package codec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nhy497/rs-system-sub000/internal/logging"
)

// Scheme names, newest first.
const (
	SchemeEscapedBase64 = "v3-escaped-base64"
	SchemeBase64        = "v2-base64"
	SchemeRawJSON       = "v1-raw-json"
)

var (
	ErrEncode      = errors.New("codec: value cannot be encoded")
	ErrEmpty       = errors.New("codec: empty token")
	ErrUndecodable = errors.New("codec: token matches no known scheme")
	ErrScheme      = errors.New("codec: unknown scheme")
)

// attempt is the outcome of one scheme: either a JSON document or a reason
// to move on to the next scheme.
type attempt struct {
	doc    []byte
	reason string
}

func (a attempt) ok() bool { return a.doc != nil }

func next(reason string) attempt { return attempt{reason: reason} }

type scheme struct {
	name   string
	decode func(token string) attempt
}

var schemes = []scheme{
	{SchemeEscapedBase64, decodeEscapedBase64},
	{SchemeBase64, decodeBase64},
	{SchemeRawJSON, decodeRawJSON},
}

func decodeEscapedBase64(token string) attempt {
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return next("not base64")
	}
	// A payload that is already JSON belongs to the plain base64 scheme.
	// Any escaper is accepted otherwise, not only url.PathEscape.
	if json.Valid(b) {
		return next("payload not escaped")
	}
	s, err := url.PathUnescape(string(b))
	if err != nil {
		return next("bad escape sequence")
	}
	return asJSON([]byte(s))
}

func decodeBase64(token string) attempt {
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return next("not base64")
	}
	return asJSON(b)
}

func decodeRawJSON(token string) attempt {
	return asJSON([]byte(token))
}

func asJSON(b []byte) attempt {
	if !json.Valid(b) {
		return next("not json")
	}
	return attempt{doc: b}
}

// Codec decodes tokens and reports fallbacks through its logger.
type Codec struct {
	logger logging.Logger
}

func New(logger logging.Logger) *Codec {
	return &Codec{logger: logger.With("component", "codec")}
}

// Encode produces a current-format token: JSON, percent-escaped the way a
// URL path segment is, then standard base64.
func (c *Codec) Encode(v any) (string, error) {
	return Encode(v)
}

func Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return base64.StdEncoding.EncodeToString([]byte(url.PathEscape(string(b)))), nil
}

// EncodeLegacy produces a token in an older scheme.
func EncodeLegacy(name string, v any) (string, error) {
	if name == SchemeEscapedBase64 {
		return Encode(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncode, err)
	}
	switch name {
	case SchemeBase64:
		return base64.StdEncoding.EncodeToString(b), nil
	case SchemeRawJSON:
		return string(b), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrScheme, name)
	}
}

// Decode fills v from token.
func (c *Codec) Decode(ctx context.Context, token string, v any) error {
	_, err := c.DecodeScheme(ctx, token, v)
	return err
}

// DecodeScheme is Decode that also reports which scheme matched.
func (c *Codec) DecodeScheme(ctx context.Context, token string, v any) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrEmpty
	}

	tried := make([]string, 0, len(schemes))
	for _, s := range schemes {
		a := s.decode(token)
		if a.ok() {
			err := json.Unmarshal(a.doc, v)
			if err == nil {
				if s.name != SchemeEscapedBase64 {
					c.logger.Debug(ctx, "decoded legacy token", "scheme", s.name)
				}
				return s.name, nil
			}
			a = next("shape mismatch: " + err.Error())
		}
		tried = append(tried, s.name+" ("+a.reason+")")
	}

	c.logger.Warn(ctx, "token could not be decoded", "tried", tried)
	return "", fmt.Errorf("%w: tried %s", ErrUndecodable, strings.Join(tried, ", "))
}
