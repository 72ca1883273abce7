package channels_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Louguiman/tekra-submissions/channels"
)

func TestWhatsAppFactoryRequiresStorePath(t *testing.T) {
	factory := channels.WhatsAppFactory()
	if _, err := factory("wa_main", json.RawMessage(`{"device_name":"tekra"}`)); err == nil {
		t.Fatal("expected an error when store_path is missing")
	}
}

func TestWhatsAppChannelSendAfterClose(t *testing.T) {
	factory := channels.WhatsAppFactory()
	ch, err := factory("wa_main", json.RawMessage(`{"store_path":"/tmp/wa.db"}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}

	err = ch.Send(context.Background(), channels.Message{Platform: "whatsapp", Text: "hi"})
	var sendFailed *channels.ErrSendFailed
	if !errors.As(err, &sendFailed) {
		t.Fatalf("expected *ErrSendFailed after Close, got %v", err)
	}
}

func TestWhatsAppChannelStatusStartsPendingQR(t *testing.T) {
	factory := channels.WhatsAppFactory()
	ch, err := factory("wa_main", json.RawMessage(`{"store_path":"/tmp/wa.db"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	status := ch.Status()
	if status.Connected {
		t.Fatal("expected a freshly created channel to be disconnected")
	}
	if status.AuthState != "pending_qr" {
		t.Fatalf("expected auth state pending_qr, got %q", status.AuthState)
	}
}
