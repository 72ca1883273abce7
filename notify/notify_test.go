package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Louguiman/tekra-submissions/channels"
	"github.com/Louguiman/tekra-submissions/notify"
	"github.com/Louguiman/tekra-submissions/supplier"
)

type stubChannel struct {
	sent []channels.Message
	fail bool
}

func (c *stubChannel) Listen(ctx context.Context) <-chan channels.Message { return nil }

func (c *stubChannel) Send(ctx context.Context, msg channels.Message) error {
	if c.fail {
		return errors.New("send failed")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *stubChannel) Status() channels.ChannelStatus { return channels.ChannelStatus{} }
func (c *stubChannel) Close() error                   { return nil }

type stubLookup struct {
	phone string
	err   error
}

func (l *stubLookup) FindByID(ctx context.Context, supplierID string) (*supplier.Supplier, error) {
	if l.err != nil {
		return nil, l.err
	}
	return &supplier.Supplier{SupplierID: supplierID, Phone: l.phone}, nil
}

func TestSendDeliversToResolvedPhone(t *testing.T) {
	ch := &stubChannel{}
	n := notify.New(ch, &stubLookup{phone: "+221700000000"}, nil)

	if err := n.Send(context.Background(), "sup_1", "your offer was rejected: duplicate"); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if len(ch.sent) != 1 || ch.sent[0].RecipientID != "+221700000000" {
		t.Fatalf("expected one message to +221700000000, got %+v", ch.sent)
	}
}

func TestSendPropagatesLookupFailure(t *testing.T) {
	ch := &stubChannel{}
	n := notify.New(ch, &stubLookup{err: errors.New("not found")}, nil)

	if err := n.Send(context.Background(), "sup_missing", "hello"); err == nil {
		t.Fatal("expected an error when the supplier cannot be resolved")
	}
	if len(ch.sent) != 0 {
		t.Fatalf("expected no send attempt, got %+v", ch.sent)
	}
}

func TestSendPropagatesChannelFailure(t *testing.T) {
	ch := &stubChannel{fail: true}
	n := notify.New(ch, &stubLookup{phone: "+221700000001"}, nil)

	if err := n.Send(context.Background(), "sup_1", "hello"); err == nil {
		t.Fatal("expected an error when the channel send fails")
	}
}
