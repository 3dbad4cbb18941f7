package mux

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestBuildAuthFrameRoundTrip(t *testing.T) {
	creds := Credentials{
		AccessKey:  "ABCDEFGHIJKLMNOPQRST",
		PrivateKey: []byte("super-secret-key"),
		DeviceUuid: "device-1",
	}
	now := time.Date(2024, 1, 2, 3, 4, 5, 678000000, time.UTC)

	b, err := BuildAuthFrame(creds, now)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(b), 93)

	frame, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Type, FrameTypeAuth)
	assert.Equal(t, frame.Auth.Date, "2024-01-02T03:04:05.678Z")
	assert.Equal(t, VerifyAuthFrame(frame.Auth, creds.PrivateKey), true)
}

func TestBuildAuthFrameWrongKeyFailsVerify(t *testing.T) {
	creds := Credentials{AccessKey: "ABCDEFGHIJKLMNOPQRST", PrivateKey: []byte("key-a")}
	b, err := BuildAuthFrame(creds, time.Now())
	assert.Equal(t, err, nil)

	frame, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, VerifyAuthFrame(frame.Auth, []byte("key-b")), false)
}

func TestBuildAuthFrameAccessKeyOver20BytesFails(t *testing.T) {
	creds := Credentials{AccessKey: "ABCDEFGHIJKLMNOPQRSTU", PrivateKey: []byte("k")}
	_, err := BuildAuthFrame(creds, time.Now())
	assert.NotEqual(t, err, nil)
}

func TestBuildAuthFrameEmptyAccessKeyFails(t *testing.T) {
	creds := Credentials{AccessKey: "", PrivateKey: []byte("k")}
	_, err := BuildAuthFrame(creds, time.Now())
	assert.NotEqual(t, err, nil)
}

func TestFormatIso8601Is24Chars(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 678000000, time.UTC)
	s := FormatIso8601(now)
	assert.Equal(t, len(s), 24)
	assert.Equal(t, s, "2024-01-02T03:04:05.678Z")
}

func TestBuildAuthEnvelopeJson(t *testing.T) {
	creds := Credentials{
		AccessKey:  "ABCDEFGHIJKLMNOPQRST",
		PrivateKey: []byte("super-secret-key"),
		DeviceUuid: "device-1",
	}
	env, err := BuildAuthEnvelope(creds, time.Now())
	assert.Equal(t, err, nil)
	assert.Equal(t, env.Request, "auth")
	assert.Equal(t, env.AccessKey, creds.AccessKey)
	assert.Equal(t, env.DeviceUuid, creds.DeviceUuid)
	assert.NotEqual(t, env.Signature, "")
	assert.NotEqual(t, env.Nonce, "")
}
