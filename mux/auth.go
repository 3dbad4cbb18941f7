package mux

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// AuthVersion is the only version this codec emits or accepts (§6.1).
const AuthVersion byte = 0

// Credentials are immutable for the lifetime of a connection (§3).
type Credentials struct {
	AccessKey  string // 1..20 UTF-8 bytes, zero-padded to 20 on the wire
	PrivateKey []byte // opaque HMAC-SHA256 key handle
	DeviceUuid string
}

// BuildAuthFrame implements §4.6 step 1-3: generate a nonce, sign
// "auth" || accessKey || isoNow || base64(nonce) with HMAC-SHA256, and
// pack the result into the binary auth layout from §4.1.
//
// accessKey must encode to 1..20 UTF-8 bytes; the wire field is a fixed
// 20-byte slot, zero-padded -- see DESIGN.md for why this implementation
// took the upper-bound form over a strict ==20 check.
func BuildAuthFrame(creds Credentials, now time.Time) ([]byte, error) {
	if l := len(creds.AccessKey); l == 0 || l > 20 {
		return nil, fmt.Errorf("mux: accessKey must encode to 1..20 UTF-8 bytes, got %d", l)
	}

	var accessKey [20]byte
	copy(accessKey[:], creds.AccessKey)

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("mux: failed to generate nonce: %w", err)
	}
	b64nonce := base64.StdEncoding.EncodeToString(nonce[:])

	isoNow := FormatIso8601(now)
	if l := len(isoNow); l != 24 && l != 27 {
		return nil, fmt.Errorf("mux: ISO-8601 date must be 24 or 27 characters, got %d", l)
	}

	sig := signAuth(creds.PrivateKey, creds.AccessKey, isoNow, b64nonce)

	var f AuthFrame
	f.Version = AuthVersion
	copy(f.AccessKey[:], accessKey[:])
	f.Nonce = nonce
	f.Signature = sig
	f.Date = isoNow

	return EncodeAuthFrame(&f)
}

func signAuth(privateKey []byte, accessKey string, isoDate string, b64nonce string) [32]byte {
	mac := hmac.New(sha256.New, privateKey)
	mac.Write([]byte("auth"))
	mac.Write([]byte(accessKey))
	mac.Write([]byte(isoDate))
	mac.Write([]byte(b64nonce))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// FormatIso8601 renders t with millisecond precision and a literal "Z"
// suffix, e.g. "2024-01-02T03:04:05.678Z" (24 characters). Callers that
// need the 27-character form (additional precision / timezone digits)
// construct it separately; both lengths authenticate (§8 boundary
// behaviors).
func FormatIso8601(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// AuthEnvelope is the JSON-envelope variant of the auth frame (§4.6),
// used by the legacy one-shot request/response path instead of the
// binary mux frame.
type AuthEnvelope struct {
	Request    string `json:"request"`
	AccessKey  string `json:"accessKey"`
	Date       string `json:"date"`
	Nonce      string `json:"nonce"`
	Signature  string `json:"signature"`
	DeviceUuid string `json:"deviceUuid"`
}

// BuildAuthEnvelope builds the JSON-envelope auth variant described at the
// end of §4.6, sharing the same signing step as BuildAuthFrame.
func BuildAuthEnvelope(creds Credentials, now time.Time) (*AuthEnvelope, error) {
	if l := len(creds.AccessKey); l == 0 || l > 20 {
		return nil, fmt.Errorf("mux: accessKey must encode to 1..20 UTF-8 bytes, got %d", l)
	}

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("mux: failed to generate nonce: %w", err)
	}
	b64nonce := base64.StdEncoding.EncodeToString(nonce[:])

	isoNow := FormatIso8601(now)
	if l := len(isoNow); l != 24 && l != 27 {
		return nil, fmt.Errorf("mux: ISO-8601 date must be 24 or 27 characters, got %d", l)
	}

	sig := signAuth(creds.PrivateKey, creds.AccessKey, isoNow, b64nonce)

	return &AuthEnvelope{
		Request:    "auth",
		AccessKey:  creds.AccessKey,
		Date:       isoNow,
		Nonce:      b64nonce,
		Signature:  base64.StdEncoding.EncodeToString(sig[:]),
		DeviceUuid: creds.DeviceUuid,
	}, nil
}

// VerifyAuthFrame recomputes the HMAC over the frame's own fields and
// reports whether it matches the carried signature. Provided for servers
// or tests that need to check a client's auth frame; MuxedSocket itself
// never receives one (§4.3 dispatch: auth from the server is fatal).
func VerifyAuthFrame(f *AuthFrame, privateKey []byte) bool {
	b64nonce := base64.StdEncoding.EncodeToString(f.Nonce[:])
	accessKey := trimTrailingZeros(f.AccessKey[:])
	want := signAuth(privateKey, accessKey, f.Date, b64nonce)
	return hmac.Equal(want[:], f.Signature[:])
}

func trimTrailingZeros(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}
