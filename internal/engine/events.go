package engine

import (
	"github.com/JAYSTX/smtxvzla-backend/libs/kafka"
)

const (
	orderSettledEventType     = "settlement.order.completed"
	orderCancelledEventType   = "settlement.order.cancelled"
	transferExecutedEventType = "settlement.transfer.executed"
)

// Topics names the Kafka topics the engine publishes to. Empty topic
// names disable the corresponding event.
type Topics struct {
	OrdersSettled     string
	OrdersCancelled   string
	TransfersExecuted string
}

type OrderEventPayload struct {
	OrderID string `json:"order_id"`
	MakerID string `json:"maker_id"`
	TakerID string `json:"taker_id,omitempty"`
	Side    string `json:"side"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Price   string `json:"price"`
	Status  string `json:"status"`
}

type OrderSettledEvent struct {
	kafka.Envelope
	OrderEventPayload
}

type OrderCancelledEvent struct {
	kafka.Envelope
	OrderEventPayload
}

type TransferExecutedEvent struct {
	kafka.Envelope
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
}
