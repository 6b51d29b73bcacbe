package repositories

import (
	"errors"
	"fmt"
)

// StockErrorCode enumerates stock ledger failure causes.
type StockErrorCode string

const (
	StockErrorUnknown StockErrorCode = "stock_unknown"
	// StockErrorProductNotFound indicates the product has no stock document.
	StockErrorProductNotFound StockErrorCode = "stock_product_not_found"
	// StockErrorInvalidQuantity indicates a non-positive adjustment was requested.
	StockErrorInvalidQuantity StockErrorCode = "stock_invalid_quantity"
)

// ErrStockProductNotFound matches any *StockError with code StockErrorProductNotFound via errors.Is.
var ErrStockProductNotFound = errors.New("stock: product not found")

// StockError wraps stock ledger failures with machine readable codes.
type StockError struct {
	Op        string
	Code      StockErrorCode
	ProductID string
	Err       error
}

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Code)
	if e.ProductID != "" {
		msg = fmt.Sprintf("%s (product %s)", msg, e.ProductID)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is lets errors.Is(err, ErrStockProductNotFound) match typed not-found errors.
func (e *StockError) Is(target error) bool {
	return e != nil && target == ErrStockProductNotFound && e.Code == StockErrorProductNotFound
}

// NewStockError constructs a typed stock error.
func NewStockError(op string, code StockErrorCode, productID string, err error) *StockError {
	return &StockError{Op: op, Code: code, ProductID: productID, Err: err}
}
