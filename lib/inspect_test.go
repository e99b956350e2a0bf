package lib

import (
	"strings"
	"testing"

	"github.com/Clouded-Sabre/utcp/lib/bunch"
)

func TestInspectHandshake(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.client.Connect(); err != nil {
		t.Fatal(err)
	}

	var kinds []string
	for i := 0; i < 16; i++ {
		fromClient, fromServer := h.clientEv.take(), h.fromServer()
		if len(fromClient) == 0 && len(fromServer) == 0 {
			break
		}
		for _, d := range fromClient {
			dg, err := Inspect(d, testMagic, false)
			if err != nil {
				t.Fatalf("For client datagram, expected it decoded, but got %v", err)
			}
			kinds = append(kinds, dg.Kind())
			if err := h.toServer(d); err != nil {
				t.Fatal(err)
			}
		}
		for _, d := range fromServer {
			dg, err := Inspect(d, testMagic, true)
			if err != nil {
				t.Fatalf("For server datagram, expected it decoded, but got %v", err)
			}
			kinds = append(kinds, dg.Kind())
			if err := h.client.Incoming(d); err != nil {
				t.Fatal(err)
			}
		}
	}

	expected := []string{"hello", "challenge", "response", "ack"}
	if strings.Join(kinds, ",") != strings.Join(expected, ",") {
		t.Errorf("For handshake, expected %v, but got %v", expected, kinds)
	}
}

func TestInspectData(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	if _, err := h.client.SendBunch(reliableBunch(3, true, []byte("abc"))); err != nil {
		t.Fatal(err)
	}
	b := &bunch.Bunch{ChIndex: 3}
	b.SetData([]byte("de"), 12)
	if _, err := h.client.SendBunch(b); err != nil {
		t.Fatal(err)
	}
	if err := h.client.Flush(); err != nil {
		t.Fatal(err)
	}
	out := h.clientEv.take()
	if len(out) != 1 {
		t.Fatalf("expected 1 datagram, got %d", len(out))
	}

	dg, err := Inspect(out[0], testMagic, false)
	if err != nil {
		t.Fatalf("For data packet, expected it decoded, but got %v", err)
	}
	if dg.Kind() != "data" || dg.Header == nil {
		t.Fatalf("For data packet, expected kind data with a header, but got %s", dg.Kind())
	}
	if len(dg.Bunches) != 2 {
		t.Fatalf("For data packet, expected 2 bunches, but got %d", len(dg.Bunches))
	}
	testCases := []struct {
		reliable bool
		bits     int
	}{
		{true, 24},
		{false, 12},
	}
	for i, tc := range testCases {
		got := dg.Bunches[i]
		if got.ChIndex != 3 || got.Reliable != tc.reliable || got.DataBits != tc.bits {
			t.Errorf("For bunch %d, expected ch=3 rel=%t bits=%d, but got %s", i, tc.reliable, tc.bits, &got)
		}
	}
	if !strings.Contains(dg.String(), "data") {
		t.Errorf("For summary, expected the kind, but got %q", dg.String())
	}

	if _, err := Inspect([]byte{0x00}, testMagic, false); err == nil {
		t.Errorf("For zero last byte, expected an error")
	}
}
