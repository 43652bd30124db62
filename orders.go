package payrail

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/blnkfinance/payrail/internal/apierror"
	"github.com/blnkfinance/payrail/model"
)

// CreateOrder registers an order so provider webhooks can be matched to it.
// New orders start pending unless a status is given.
func (p *Payrail) CreateOrder(ctx context.Context, order *model.Order) error {
	order.Currency = strings.ToUpper(order.Currency)
	if order.Status == "" {
		order.Status = model.OrderPending
	}
	if err := order.Validate(); err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Invalid order: %v", err), nil)
	}
	order.UpdatedAt = p.now()

	if err := p.datasource.CreateOrder(ctx, order); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"order_id":  order.OrderID,
		"seller_id": order.SellerID,
		"amount":    order.Amount.String(),
	}).Info("order created")
	return nil
}

func (p *Payrail) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return p.datasource.GetOrder(ctx, orderID)
}
