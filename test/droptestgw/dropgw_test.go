package main

import (
	"math/rand"
	"testing"

	"github.com/Clouded-Sabre/utcp/lib"
	"github.com/Clouded-Sabre/utcp/lib/handshake"
)

func TestDrop(t *testing.T) {
	hello, err := handshake.EncodeHello(handshake.Magic{}, false)
	if err != nil {
		t.Fatal(err)
	}
	testCases := []struct {
		name     string
		rate     float64
		dropAll  bool
		data     []byte
		expected bool
	}{
		{"handshake kept", 1, false, hello, false},
		{"handshake dropped", 1, true, hello, true},
		{"undecodable dropped", 1, false, []byte{0x00}, true},
		{"nothing dropped", 0, true, hello, false},
	}
	for _, tc := range testCases {
		g := &gateway{
			rate:    tc.rate,
			dropAll: tc.dropAll,
			log:     lib.NopLogger,
			rng:     rand.New(rand.NewSource(1)),
		}
		if got := g.drop(tc.data, false); got != tc.expected {
			t.Errorf("For %s, expected drop %v, but got %v", tc.name, tc.expected, got)
		}
	}
}
