package notifier

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/avdonin/pointsmarket/internal/config"
	"github.com/avdonin/pointsmarket/internal/engine"
	"github.com/avdonin/pointsmarket/internal/model"
)

// Notifier отправляет события покупок внешнему сервису выдачи.
// Доставка best-effort: экономика не зависит от ответа,
// неудача только логируется

// JSON события для сервиса выдачи
type FulfillmentEvent struct {
	Event       string     `json:"event"`
	RecordID    string     `json:"record_id"`
	ItemID      string     `json:"item_id"`
	BuyerID     string     `json:"buyer_id"`
	Quantity    int64      `json:"quantity"`
	TotalPrice  int64      `json:"total_price"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

const (
	EventPurchaseCreated   = "PURCHASE_CREATED"
	EventDeliveryConfirmed = "DELIVERY_CONFIRMED"
)

type notifier struct {
	serviceAddr string
	zaplog      *zap.Logger
}

// NewNotifier возвращает nil при пустом адресе - события не шлются
func NewNotifier(cfg config.NotifierConfig, zaplog *zap.Logger) engine.Notifier {
	if cfg.FulfillmentAddr == "" {
		return nil
	}
	return &notifier{serviceAddr: cfg.FulfillmentAddr, zaplog: zaplog}
}

func (n *notifier) PurchaseCreated(record model.PurchaseRecord) {
	n.send(FulfillmentEvent{
		Event:      EventPurchaseCreated,
		RecordID:   record.ID,
		ItemID:     record.ItemID,
		BuyerID:    record.BuyerID,
		Quantity:   record.Quantity,
		TotalPrice: record.TotalPrice,
	})
}

func (n *notifier) DeliveryConfirmed(record model.PurchaseRecord) {
	n.send(FulfillmentEvent{
		Event:       EventDeliveryConfirmed,
		RecordID:    record.ID,
		ItemID:      record.ItemID,
		BuyerID:     record.BuyerID,
		Quantity:    record.Quantity,
		TotalPrice:  record.TotalPrice,
		DeliveredAt: record.DeliveredAt,
	})
}

func (n *notifier) send(event FulfillmentEvent) {
	path := "/api/fulfillment/events"

	setreq := resty.New().R()
	setreq.Method = http.MethodPost
	setreq.URL = n.serviceAddr + path
	setreq.SetHeader("Content-Type", "application/json")
	setreq.SetBody(event)
	setresp, err := setreq.Send()
	if err != nil {
		n.zaplog.Warn("fulfillment notify failed",
			zap.String("record", event.RecordID),
			zap.Error(err))
		return
	}
	if setresp.StatusCode() != http.StatusOK && setresp.StatusCode() != http.StatusAccepted {
		n.zaplog.Warn("fulfillment notify rejected",
			zap.String("record", event.RecordID),
			zap.Int("status", setresp.StatusCode()))
	}
}
