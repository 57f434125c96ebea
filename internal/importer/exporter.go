package importer

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"ledger-engine/internal/domain"
)

// Lister is the read side the exporter pages through.
type Lister interface {
	ListOperations(ctx context.Context, filter domain.OperationFilter, page domain.Page) ([]*domain.Operation, error)
	Format(amount decimal.Decimal) string
}

var exportColumns = []string{
	"id", "sequence", "kind", "status", "amount", "display",
	"source_account_id", "destination_account_id", "related_type", "related_id",
	"reverses_id", "description", "created_at",
}

// ExportCSV writes every operation matching filter, newest first, and
// returns the number of data rows written.
func ExportCSV(ctx context.Context, w io.Writer, lister Lister, filter domain.OperationFilter) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportColumns); err != nil {
		return 0, err
	}

	written := 0
	page := domain.Page{Limit: domain.MaxPageLimit}
	for {
		ops, err := lister.ListOperations(ctx, filter, page)
		if err != nil {
			return written, err
		}
		for _, op := range ops {
			if err := cw.Write(exportRecord(op, lister.Format(op.Amount))); err != nil {
				return written, err
			}
			written++
		}
		if len(ops) < page.Limit {
			break
		}
		page.Offset += page.Limit
	}

	cw.Flush()
	return written, cw.Error()
}

func exportRecord(op *domain.Operation, display string) []string {
	optInt := func(v *int64) string {
		if v == nil {
			return ""
		}
		return strconv.FormatInt(*v, 10)
	}
	reverses := ""
	if op.ReversesID != nil {
		reverses = op.ReversesID.String()
	}

	return []string{
		op.ID.String(),
		strconv.FormatInt(op.Sequence, 10),
		string(op.Kind),
		string(op.Status),
		op.Amount.StringFixed(2),
		display,
		optInt(op.SourceAccountID),
		optInt(op.DestinationAccountID),
		string(op.RelatedType),
		optInt(op.RelatedID),
		reverses,
		op.Description,
		op.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
