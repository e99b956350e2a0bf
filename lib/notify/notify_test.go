package notify

import (
	"testing"

	"github.com/Clouded-Sabre/utcp/lib/bitbuf"
)

type resolved struct {
	seq       uint16
	delivered bool
}

// send writes and commits one header from n, returning it parsed.
func send(t *testing.T, n *Notify) *Header {
	t.Helper()
	buf := make([]byte, 64)
	w := bitbuf.NewWriter(buf)
	ok, err := n.WriteHeader(w, false)
	if !ok || err != nil {
		t.Fatalf("WriteHeader: %t %v", ok, err)
	}
	n.CommitAndIncrementOutSeq()
	r := bitbuf.NewRawReader(w.Bytes(), w.Bits())
	h, err := ReadHeader(r)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	return h
}

func receive(t *testing.T, n *Notify, h *Header) []resolved {
	t.Helper()
	var got []resolved
	delta, err := n.Update(h, func(s uint16, delivered bool) error {
		got = append(got, resolved{s, delivered})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if delta <= 0 {
		t.Fatalf("expected header %d to be accepted", h.Seq)
	}
	n.AckSeq(h.Seq, true)
	return got
}

func TestHeaderPacking(t *testing.T) {
	var n Notify
	n.Init(16383, 77)
	n.AckSeq(2, true) // wraps past 16383
	h := send(t, &n)
	if h.Seq != 77 || h.AckedSeq != 2 || h.HistoryWords != 1 {
		t.Errorf("expected 77/2/1, but got %d/%d/%d", h.Seq, h.AckedSeq, h.HistoryWords)
	}
	// 0, 1 skipped, 2 delivered
	if h.History[0] != 1 {
		t.Errorf("expected history 1, but got %b", h.History[0])
	}
	if n.OutSeq() != 78 {
		t.Errorf("expected out seq 78, but got %d", n.OutSeq())
	}
}

func TestDeliveryAndLoss(t *testing.T) {
	var a, b Notify
	a.Init(299, 200)
	b.Init(199, 300)

	h200 := send(t, &a)
	send(t, &a) // 201 is lost
	h202 := send(t, &a)

	receive(t, &b, h200)
	receive(t, &b, h202)
	if b.InSeq() != 202 || b.InAckSeq() != 202 {
		t.Fatalf("expected b at 202, but got %d/%d", b.InSeq(), b.InAckSeq())
	}

	got := receive(t, &a, send(t, &b))
	want := []resolved{{200, true}, {201, false}, {202, true}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, but got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("For seq %d, expected %v, but got %v", want[i].seq, want[i], got[i])
		}
	}
	if a.OutAckSeq() != 202 || a.InAckSeqAck() != 299 {
		t.Errorf("expected out ack 202 and in ack ack 299, but got %d/%d", a.OutAckSeq(), a.InAckSeqAck())
	}
}

func TestStaleHeaderRejected(t *testing.T) {
	var a, b Notify
	a.Init(16383, 10)
	b.Init(9, 0)

	h := send(t, &a)
	receive(t, &b, h)
	if d := b.SequenceDelta(h); d != 0 {
		t.Errorf("expected replayed header rejected, but got delta %d", d)
	}

	forged := &Header{Seq: 11, AckedSeq: 5, HistoryWords: 1}
	if d := b.SequenceDelta(forged); d != 0 {
		t.Errorf("expected ack of unsent sequence rejected, but got delta %d", d)
	}
}

func TestRefreshNeedsSameWords(t *testing.T) {
	var n Notify
	n.Init(0, 0)
	buf := make([]byte, 64)
	if ok, _ := n.WriteHeader(bitbuf.NewWriter(buf), false); !ok {
		t.Fatal("expected first header written")
	}
	if ok, _ := n.WriteHeader(bitbuf.NewWriter(buf), true); !ok {
		t.Error("expected refresh with same history size to succeed")
	}
	n.AckSeq(40, true)
	if ok, _ := n.WriteHeader(bitbuf.NewWriter(buf), true); ok {
		t.Error("expected refresh needing two words to be refused")
	}
}

func TestLossBeyondHistory(t *testing.T) {
	var a, b Notify
	a.Init(499, 0)
	b.Init(16383, 500)

	var last *Header
	for i := 0; i < 300; i++ {
		last = send(t, &a)
	}
	receive(t, &b, last)

	got := receive(t, &a, send(t, &b))
	if len(got) != 300 {
		t.Fatalf("expected 300 resolutions, but got %d", len(got))
	}
	for i, r := range got {
		if r.seq != uint16(i) {
			t.Fatalf("expected resolution order %d, but got %d", i, r.seq)
		}
		if r.delivered != (i == 299) {
			t.Errorf("For seq %d, expected delivered=%t, but got %t", i, i == 299, r.delivered)
		}
	}
}

func TestShortHeader(t *testing.T) {
	r := bitbuf.NewRawReader([]byte{1, 2, 3}, 24)
	if _, err := ReadHeader(r); err != ErrShortHeader {
		t.Errorf("expected ErrShortHeader, but got %v", err)
	}
}
