package repositories

import "fmt"

// OrderErrorCode enumerates order persistence failure causes that services branch on.
type OrderErrorCode string

const (
	// OrderErrorNumberTaken indicates another order already claimed the generated order number.
	OrderErrorNumberTaken OrderErrorCode = "order_number_taken"
	// OrderErrorDuplicateID indicates an order with the same id already exists.
	OrderErrorDuplicateID OrderErrorCode = "order_duplicate_id"
)

// OrderError wraps order-specific persistence failures.
type OrderError struct {
	Op   string
	Code OrderErrorCode
	Err  error
}

func (e *OrderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *OrderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound, IsConflict and IsUnavailable let OrderError satisfy RepositoryError.
func (e *OrderError) IsNotFound() bool    { return false }
func (e *OrderError) IsConflict() bool    { return e != nil }
func (e *OrderError) IsUnavailable() bool { return false }
