package service

import (
	"fmt"
	"time"

	"github.com/polisource/be-refdata-approvals/internal/errors"
	"github.com/polisource/be-refdata-approvals/internal/repository"
	"github.com/polisource/be-refdata-approvals/internal/workflow"
)

const dateLayout = "2006-01-02"

// validateRows enforces syntactic validity of a maker submission: at least
// one row, required fields present, amounts positive, dates parseable.
// Business-level acceptance stays with the checker; this only rejects
// submissions the checker could not meaningfully review.
func validateRows(rows *repository.RowSet) error {
	if rows == nil || rows.Len() == 0 {
		return errors.InvalidInput("rows", "a submission must contain at least one row")
	}

	switch rows.EntityType {
	case workflow.EntityItem:
		for i, row := range rows.Items {
			if row.ItemName == "" {
				return rowError(i, "itemName", "is required")
			}
			if row.ItemCategory == "" {
				return rowError(i, "itemCategory", "is required")
			}
			if row.Price <= 0 {
				return rowError(i, "price", "must be positive")
			}
			if row.Quantity <= 0 {
				return rowError(i, "quantity", "must be positive")
			}
			if err := validateDate(i, row.EffectiveDate); err != nil {
				return err
			}
		}
	case workflow.EntityPlan:
		for i, row := range rows.Plans {
			if row.PlanName == "" {
				return rowError(i, "planName", "is required")
			}
			if row.PlanType == "" {
				return rowError(i, "planType", "is required")
			}
			if row.Premium <= 0 {
				return rowError(i, "premium", "must be positive")
			}
			if row.CoverageAmount <= 0 {
				return rowError(i, "coverageAmount", "must be positive")
			}
			if err := validateDate(i, row.EffectiveDate); err != nil {
				return err
			}
		}
	case workflow.EntityProduct:
		for i, row := range rows.Products {
			if row.ProductName == "" {
				return rowError(i, "productName", "is required")
			}
			if row.API == "" {
				return rowError(i, "api", "is required")
			}
			if row.Rate <= 0 {
				return rowError(i, "rate", "must be positive")
			}
			if err := validateDate(i, row.EffectiveDate); err != nil {
				return err
			}
		}
	default:
		return errors.InvalidInput("entityType", fmt.Sprintf("unknown entity type %q", rows.EntityType))
	}

	return nil
}

func rowError(index int, field, message string) error {
	return errors.InvalidInput(fmt.Sprintf("rows[%d].%s", index, field), message)
}

func validateDate(index int, value string) error {
	if _, err := time.Parse(dateLayout, value); err != nil {
		return rowError(index, "effectiveDate", "must be a YYYY-MM-DD date")
	}
	return nil
}
