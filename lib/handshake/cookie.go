package handshake

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/Clouded-Sabre/utcp/config"
)

type secret [config.SecretByteSize]byte

// generateCookie is HMAC-SHA1 keyed by the secret over the timestamp, the
// address length and the address.
func generateCookie(key *secret, addr string, ts float64) Cookie {
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], math.Float64bits(ts))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(len(addr)))

	mac := hmac.New(sha1.New, key[:])
	mac.Write(hdr[:])
	mac.Write([]byte(addr))

	var c Cookie
	copy(c[:], mac.Sum(nil))
	return c
}

// ParseDebugCookie decodes a fixed cookie from hex. It replaces every
// generated cookie so captured traffic is reproducible.
func ParseDebugCookie(s string) (*Cookie, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("handshake: debug cookie: %w", err)
	}
	if len(raw) != config.CookieByteSize {
		return nil, fmt.Errorf("handshake: debug cookie must be %d bytes, got %d", config.CookieByteSize, len(raw))
	}
	c := &Cookie{}
	copy(c[:], raw)
	return c, nil
}
