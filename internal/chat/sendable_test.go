package chat

import (
	"errors"
	"testing"

	apperrors "github.com/louisbranch/kindling/internal/errors"
	"github.com/louisbranch/kindling/internal/remote"
)

func TestNewTextMessage(t *testing.T) {
	msg, err := NewTextMessage("hello")
	if err != nil {
		t.Fatalf("NewTextMessage: %v", err)
	}
	body := msg.Body()
	if body[remote.KeyType] != TypeText {
		t.Fatalf("type = %v, want text", body[remote.KeyType])
	}
	if body["text"] != "hello" {
		t.Fatalf("text = %v, want hello", body["text"])
	}
}

func TestNewTextMessageRejectsBlank(t *testing.T) {
	_, err := NewTextMessage("   ")
	if !errors.Is(err, apperrors.New(apperrors.CodeInvalidPayload, "")) {
		t.Fatalf("error = %v, want invalid payload", err)
	}
}

func TestNewDeliveryReceipt(t *testing.T) {
	msg, err := NewDeliveryReceipt(ReceiptRead, "msg-1")
	if err != nil {
		t.Fatalf("NewDeliveryReceipt: %v", err)
	}
	body := msg.Body()
	if body[remote.KeyType] != TypeDeliveryReceipt {
		t.Fatalf("type = %v, want receipt", body[remote.KeyType])
	}
	if body["receiptType"] != "read" || body["messageId"] != "msg-1" {
		t.Fatalf("body = %v", body)
	}
}

func TestNewDeliveryReceiptValidation(t *testing.T) {
	if _, err := NewDeliveryReceipt("", "msg-1"); err == nil {
		t.Fatal("expected error for missing receipt type")
	}
	if _, err := NewDeliveryReceipt(ReceiptReceived, ""); err == nil {
		t.Fatal("expected error for missing message id")
	}
}

func TestNewTypingState(t *testing.T) {
	msg, err := NewTypingState(TypingStateTyping)
	if err != nil {
		t.Fatalf("NewTypingState: %v", err)
	}
	body := msg.Body()
	if body[remote.KeyType] != TypeTypingIndicator || body["typingState"] != "typing" {
		t.Fatalf("body = %v", body)
	}

	if _, err := NewTypingState(""); err == nil {
		t.Fatal("expected error for missing state")
	}
}

func TestNewRawMessageCopiesBody(t *testing.T) {
	original := map[string]any{"foo": "bar"}
	msg, err := NewRawMessage(original)
	if err != nil {
		t.Fatalf("NewRawMessage: %v", err)
	}

	original["foo"] = "mutated"
	body := msg.Body()
	if body["foo"] != "bar" {
		t.Fatalf("payload shares caller map: %v", body)
	}
	if body[remote.KeyType] != TypeRaw {
		t.Fatalf("type = %v, want raw default", body[remote.KeyType])
	}

	// A caller-supplied type tag wins over the default.
	tagged, err := NewRawMessage(map[string]any{remote.KeyType: "custom"})
	if err != nil {
		t.Fatalf("NewRawMessage: %v", err)
	}
	if tagged.Body()[remote.KeyType] != "custom" {
		t.Fatalf("type = %v, want custom", tagged.Body()[remote.KeyType])
	}
}

func TestNewRawMessageRejectsEmpty(t *testing.T) {
	if _, err := NewRawMessage(nil); err == nil {
		t.Fatal("expected error for empty body")
	}
}
