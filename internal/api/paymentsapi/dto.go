package paymentsapi

import (
	"time"

	"github.com/rodneydean/kaimosi-pay/internal/models"
)

type orderDTO struct {
	ID          uint64 `json:"id"`
	OrderNumber string `json:"orderNumber"`
	UserID      string `json:"userId"`

	SubtotalCents int64 `json:"subtotalCents"`
	TaxCents      int64 `json:"taxCents"`
	ShippingCents int64 `json:"shippingCents"`
	TotalCents    int64 `json:"totalCents"`

	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`

	TrackingNumber  *string `json:"trackingNumber,omitempty"`
	ShippingAddress *string `json:"shippingAddress,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Timeline []timelineEntryDTO `json:"timeline,omitempty"`
}

type timelineEntryDTO struct {
	ID        uint64    `json:"id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type paymentDTO struct {
	ID          string `json:"id"`
	OrderID     uint64 `json:"orderId"`
	AmountCents int64  `json:"amountCents"`
	Phone       string `json:"phone"`
	Status      string `json:"status"`

	ProviderReceipt *string `json:"providerReceipt,omitempty"`
	FailureReason   *string `json:"failureReason,omitempty"`
	RetryCount      int32   `json:"retryCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Transactions []transactionDTO `json:"transactions,omitempty"`
}

type transactionDTO struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	AmountCents       int64      `json:"amountCents"`
	Phone             string     `json:"phone"`
	MerchantRequestID *string    `json:"merchantRequestId,omitempty"`
	CheckoutRequestID *string    `json:"checkoutRequestId,omitempty"`
	ResultCode        *int       `json:"resultCode,omitempty"`
	ResultDesc        string     `json:"resultDesc,omitempty"`
	InitiatedAt       time.Time  `json:"initiatedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

func toOrderDTO(o *models.Order) orderDTO {
	dto := orderDTO{
		ID:              o.ID,
		OrderNumber:     o.OrderNumber,
		UserID:          o.UserID,
		SubtotalCents:   o.SubtotalCents,
		TaxCents:        o.TaxCents,
		ShippingCents:   o.ShippingCents,
		TotalCents:      o.TotalCents,
		Status:          o.Status,
		PaymentStatus:   o.PaymentStatus,
		TrackingNumber:  o.TrackingNumber,
		ShippingAddress: o.ShippingAddress,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, e := range o.Timeline {
		dto.Timeline = append(dto.Timeline, toTimelineDTO(e))
	}
	return dto
}

func toTimelineDTO(e *models.TimelineEntry) timelineEntryDTO {
	return timelineEntryDTO{
		ID:        e.ID,
		Status:    e.Status,
		Message:   e.Message,
		CreatedAt: e.CreatedAt,
	}
}

func toPaymentDTO(p *models.Payment, txs []*models.Transaction) paymentDTO {
	dto := paymentDTO{
		ID:              p.ID.String(),
		OrderID:         p.OrderID,
		AmountCents:     p.AmountCents,
		Phone:           p.Phone,
		Status:          p.Status,
		ProviderReceipt: p.ProviderReceipt,
		FailureReason:   p.FailureReason,
		RetryCount:      p.RetryCount,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	for _, t := range txs {
		dto.Transactions = append(dto.Transactions, transactionDTO{
			ID:                t.ID.String(),
			Status:            t.Status,
			AmountCents:       t.AmountCents,
			Phone:             t.Phone,
			MerchantRequestID: t.MerchantRequestID,
			CheckoutRequestID: t.CheckoutRequestID,
			ResultCode:        t.ResultCode,
			ResultDesc:        t.ResultDesc,
			InitiatedAt:       t.InitiatedAt,
			CompletedAt:       t.CompletedAt,
		})
	}
	return dto
}
