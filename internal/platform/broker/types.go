package broker

import (
	"time"

	"github.com/calebwestray/protectbot/internal/domain"
)

// orderRequestJSON is the wire format for order submission.
type orderRequestJSON struct {
	ClientID   string  `json:"client_id,omitempty"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	Quantity   int64   `json:"quantity"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	StopPrice  float64 `json:"stop_price,omitempty"`
}

// orderJSON is the wire format of an order as the broker reports it.
type orderJSON struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Quantity       int64     `json:"quantity"`
	FilledQuantity int64     `json:"filled_quantity"`
	LimitPrice     float64   `json:"limit_price"`
	StopPrice      float64   `json:"stop_price"`
	AvgFillPrice   float64   `json:"avg_fill_price"`
	Status         string    `json:"status"`
	SubmittedAt    time.Time `json:"submitted_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// quoteJSON is the broker's last-trade quote for a symbol.
type quoteJSON struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// positionJSON is the broker's view of an open position.
type positionJSON struct {
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"` // signed: positive long, negative short
}

// accountJSON is the broker's account summary.
type accountJSON struct {
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
}

// errorJSON is the broker API error envelope.
type errorJSON struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func toOrderRequestJSON(req domain.OrderRequest) orderRequestJSON {
	return orderRequestJSON{
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       string(req.Side),
		Type:       string(req.Type),
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
	}
}

func (o orderJSON) toDomain() domain.VenueOrder {
	return domain.VenueOrder{
		ID:             o.ID,
		ClientID:       o.ClientID,
		Symbol:         o.Symbol,
		Side:           domain.OrderSide(o.Side),
		Type:           domain.OrderType(o.Type),
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		AvgFillPrice:   o.AvgFillPrice,
		Status:         domain.OrderStatus(o.Status),
		SubmittedAt:    o.SubmittedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}
