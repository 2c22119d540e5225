package channelstore

import (
	"context"
	"testing"
	"time"

	"github.com/spiral-run/spiral/internal/domain"
)

func TestSendRecvBuffered(t *testing.T) {
	s := New()
	h := s.Alloc(domain.KindInt, 2)
	ctx := context.Background()

	if err := s.Send(ctx, h, domain.Int(1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Send(ctx, h, domain.Int(2)); err != nil {
		t.Fatal(err)
	}
	v1, err := s.Recv(ctx, h)
	if err != nil || v1.I != 1 {
		t.Fatalf("expected 1, got %+v %v", v1, err)
	}
	v2, err := s.Recv(ctx, h)
	if err != nil || v2.I != 2 {
		t.Fatalf("expected 2, got %+v %v", v2, err)
	}
}

func TestSendBlocksWhenFullThenUnblocks(t *testing.T) {
	s := New()
	h := s.Alloc(domain.KindInt, 1)
	ctx := context.Background()

	if err := s.Send(ctx, h, domain.Int(1)); err != nil {
		t.Fatal(err)
	}

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- s.Send(ctx, h, domain.Int(2))
	}()

	select {
	case <-sendDone:
		t.Fatal("second send should have blocked on a full buffer")
	case <-time.After(50 * time.Millisecond):
	}

	v, err := s.Recv(ctx, h)
	if err != nil || v.I != 1 {
		t.Fatalf("expected 1, got %+v %v", v, err)
	}

	select {
	case err := <-sendDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked send never unblocked")
	}

	v2, err := s.Recv(ctx, h)
	if err != nil || v2.I != 2 {
		t.Fatalf("expected 2, got %+v %v", v2, err)
	}
}

func TestRecvBlocksThenReceivesFromLateSend(t *testing.T) {
	s := New()
	h := s.Alloc(domain.KindInt, 0)
	ctx := context.Background()

	recvDone := make(chan domain.Value, 1)
	go func() {
		v, err := s.Recv(ctx, h)
		if err != nil {
			t.Error(err)
		}
		recvDone <- v
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Send(ctx, h, domain.Int(42)); err != nil {
		t.Fatal(err)
	}

	select {
	case v := <-recvDone:
		if v.I != 42 {
			t.Fatalf("expected 42, got %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("recv never unblocked")
	}
}

func TestTrySendTryRecv(t *testing.T) {
	s := New()
	h := s.Alloc(domain.KindInt, 1)

	if _, ok, _ := s.TryRecv(h); ok {
		t.Fatal("expected no value yet")
	}
	ok, err := s.TrySend(h, domain.Int(9))
	if err != nil || !ok {
		t.Fatalf("expected trySend to succeed, got %v %v", ok, err)
	}
	ok, err = s.TrySend(h, domain.Int(10))
	if err != nil || ok {
		t.Fatalf("expected trySend to fail on full buffer, got %v %v", ok, err)
	}
	v, ok, err := s.TryRecv(h)
	if err != nil || !ok || v.I != 9 {
		t.Fatalf("expected 9, got %+v %v %v", v, ok, err)
	}
}

func TestSendToUnknownChannel(t *testing.T) {
	s := New()
	err := s.Send(context.Background(), &domain.ChannelHandle{ChannelID: "nope"}, domain.Int(1))
	if err == nil {
		t.Fatal("expected error for unknown channel")
	}
}
