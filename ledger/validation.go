// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateCustomer checks the user supplied customer fields
func ValidateCustomer(c Customer) error {
	if err := validateStruct(c); err != nil {
		return err
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name must not be blank", ErrInvalidInput)
	}
	return nil
}

// ValidateTransaction checks the user supplied transaction fields
func ValidateTransaction(t Transaction) error {
	if err := validateStruct(t); err != nil {
		return err
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return nil
}

// ValidateTransactionPatch checks the fields a patch would set
func ValidateTransactionPatch(p TransactionPatch) error {
	if p.Type != nil && *p.Type != TxCredit && *p.Type != TxDebit {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidInput, *p.Type)
	}
	if p.Amount != nil && !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return nil
}

// ValidateCustomerPatch checks the fields a patch would set
func ValidateCustomerPatch(p CustomerPatch) error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return fmt.Errorf("%w: name must not be blank", ErrInvalidInput)
	}
	if p.Phone != nil && len(*p.Phone) > 32 {
		return fmt.Errorf("%w: phone is too long", ErrInvalidInput)
	}
	return nil
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(parts, ", "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}
