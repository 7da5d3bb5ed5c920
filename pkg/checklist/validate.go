package checklist

import (
	"errors"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"bmsreport/pkg/domain"
)

var lineValidator = newLineValidator()

func newLineValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

var lineFieldMessages = map[string]struct {
	field   string
	message string
}{
	"MaterialName": {"materialName", "material name is required"},
	"Quantity":     {"quantity", "quantity must be greater than zero"},
	"UnitPrice":    {"unitPrice", "unit price must be greater than zero"},
	"Unit":         {"unit", "unit is too long"},
}

// ValidateStep1 checks the checklist answers of every active category and
// returns all violations in checklist order.
func (s *Sheet) ValidateStep1() error {
	var errs domain.ValidationErrors
	for _, cat := range s.ActiveCategories() {
		for _, item := range cat.Items {
			answer := s.answers[item.ID]
			switch {
			case answer.Condition == domain.ConditionUnset:
				errs = append(errs, violation(item.ID, domain.CodeConditionRequired, "condition is required"))
				continue
			case cat.Preventive && answer.Condition == domain.ConditionAbsent:
				errs = append(errs, violation(item.ID, domain.CodeAbsentNotAllowed, "preventive items cannot be marked absent"))
				continue
			case !cat.Allows(answer.Condition):
				errs = append(errs, violation(item.ID, domain.CodeConditionInvalid, "condition does not apply to this category"))
				continue
			}
			if answer.Condition.RequiresPhoto() && answer.PhotoURL == "" {
				errs = append(errs, violation(item.ID, domain.CodePhotoRequired, "photo is required"))
			}
			if answer.Condition == domain.ConditionDamaged && !answer.Handler.Valid() {
				errs = append(errs, violation(item.ID, domain.CodeHandlerRequired, "choose who handles the repair"))
			}
		}
	}
	return errs.Err()
}

// ValidateStep2 checks that every self-handled item carries at least one
// complete estimation line.
func (s *Sheet) ValidateStep2() error {
	var errs domain.ValidationErrors
	for _, itemID := range s.SelfHandledItems() {
		lines := s.lines[itemID]
		if len(lines) == 0 {
			errs = append(errs, violation(itemID, domain.CodeLinesRequired, "add at least one material line"))
			continue
		}
		for idx, line := range lines {
			errs = append(errs, validateLine(itemID, idx, line)...)
		}
	}
	return errs.Err()
}

func validateLine(itemID string, idx int, line domain.EstimationLine) domain.ValidationErrors {
	err := lineValidator.Struct(line)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domain.ValidationErrors{{ItemID: itemID, Index: idx, Code: domain.CodeLineInvalid, Message: err.Error()}}
	}
	out := make(domain.ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		desc, ok := lineFieldMessages[fe.StructField()]
		if !ok {
			desc.field, desc.message = fe.Field(), fe.Error()
		}
		out = append(out, domain.ValidationError{
			ItemID:  itemID,
			Field:   desc.field,
			Index:   idx,
			Code:    domain.CodeLineInvalid,
			Message: desc.message,
		})
	}
	return out
}

func violation(itemID, code, message string) domain.ValidationError {
	return domain.ValidationError{ItemID: itemID, Code: code, Message: message}
}
