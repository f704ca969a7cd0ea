package service

import (
	"context"
	"fmt"
	"time"

	"github.com/noah-isme/sma-enterprise-core/pkg/database"
)

// txRunner runs a unit of work in one database transaction.
type txRunner interface {
	RunInTx(ctx context.Context, fn database.TxFunc) error
}

// AcademicYear returns the "YYYY-YY" label of the academic year containing t.
// Years begin on the first day of startMonth.
func AcademicYear(t time.Time, startMonth int) string {
	if startMonth < 1 || startMonth > 12 {
		startMonth = 4
	}
	year := t.Year()
	if int(t.Month()) < startMonth {
		year--
	}
	return fmt.Sprintf("%d-%02d", year, (year+1)%100)
}
