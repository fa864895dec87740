package chat

import (
	"strings"

	apperrors "github.com/louisbranch/kindling/internal/errors"
	"github.com/louisbranch/kindling/internal/remote"
)

// Message type tags carried in the wire body. The set is closed: new
// message kinds extend this list rather than subclassing.
const (
	TypeText            = "text"
	TypeDeliveryReceipt = "receipt"
	TypeTypingIndicator = "typing"
	TypeRaw             = "raw"
)

// Body field keys for the typed payload variants.
const (
	keyText        = "text"
	keyReceiptType = "receiptType"
	keyMessageID   = "messageId"
	keyTypingState = "typingState"
)

// ReceiptType labels a delivery receipt stage.
type ReceiptType string

const (
	// ReceiptReceived acknowledges delivery to the recipient's device.
	ReceiptReceived ReceiptType = "received"
	// ReceiptRead acknowledges the recipient actually read the message.
	ReceiptRead ReceiptType = "read"
)

// TypingStateType labels a typing indicator update.
type TypingStateType string

const (
	// TypingStateTyping signals the user started typing.
	TypingStateTyping TypingStateType = "typing"
	// TypingStateNone signals the user stopped typing.
	TypingStateNone TypingStateType = "none"
)

// Sendable is an outbound typed message payload. Body returns the wire
// representation consumed by Session.Send.
type Sendable interface {
	Body() map[string]any
}

// TextMessage carries plain text.
type TextMessage struct {
	text string
}

// NewTextMessage validates and builds a text payload.
func NewTextMessage(text string) (TextMessage, error) {
	if strings.TrimSpace(text) == "" {
		return TextMessage{}, apperrors.New(apperrors.CodeInvalidPayload, "text is required")
	}
	return TextMessage{text: text}, nil
}

// Body returns the wire representation of the text message.
func (m TextMessage) Body() map[string]any {
	return map[string]any{
		remote.KeyType: TypeText,
		keyText:        m.text,
	}
}

// DeliveryReceipt acknowledges delivery or reading of one message.
type DeliveryReceipt struct {
	receipt   ReceiptType
	messageID string
}

// NewDeliveryReceipt validates and builds a delivery receipt payload.
func NewDeliveryReceipt(receipt ReceiptType, messageID string) (DeliveryReceipt, error) {
	if strings.TrimSpace(string(receipt)) == "" {
		return DeliveryReceipt{}, apperrors.New(apperrors.CodeInvalidPayload, "receipt type is required")
	}
	if strings.TrimSpace(messageID) == "" {
		return DeliveryReceipt{}, apperrors.New(apperrors.CodeInvalidPayload, "message id is required")
	}
	return DeliveryReceipt{receipt: receipt, messageID: messageID}, nil
}

// Body returns the wire representation of the receipt.
func (m DeliveryReceipt) Body() map[string]any {
	return map[string]any{
		remote.KeyType: TypeDeliveryReceipt,
		keyReceiptType: string(m.receipt),
		keyMessageID:   m.messageID,
	}
}

// TypingState signals the sender started or stopped typing.
type TypingState struct {
	state TypingStateType
}

// NewTypingState validates and builds a typing indicator payload.
func NewTypingState(state TypingStateType) (TypingState, error) {
	if strings.TrimSpace(string(state)) == "" {
		return TypingState{}, apperrors.New(apperrors.CodeInvalidPayload, "typing state is required")
	}
	return TypingState{state: state}, nil
}

// Body returns the wire representation of the typing update.
func (m TypingState) Body() map[string]any {
	return map[string]any{
		remote.KeyType: TypeTypingIndicator,
		keyTypingState: string(m.state),
	}
}

// RawMessage carries an arbitrary caller-supplied body.
type RawMessage struct {
	body map[string]any
}

// NewRawMessage validates and builds a raw payload.
func NewRawMessage(body map[string]any) (RawMessage, error) {
	if len(body) == 0 {
		return RawMessage{}, apperrors.New(apperrors.CodeInvalidPayload, "body is required")
	}
	copied := make(map[string]any, len(body)+1)
	for key, value := range body {
		copied[key] = value
	}
	if _, ok := copied[remote.KeyType]; !ok {
		copied[remote.KeyType] = TypeRaw
	}
	return RawMessage{body: copied}, nil
}

// Body returns a copy of the wire representation of the raw message.
func (m RawMessage) Body() map[string]any {
	copied := make(map[string]any, len(m.body))
	for key, value := range m.body {
		copied[key] = value
	}
	return copied
}
