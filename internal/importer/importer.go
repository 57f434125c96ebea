// Package importer moves operations in and out of the ledger in bulk. Rows
// are applied one at a time and a failing row never stops its siblings.
package importer

import (
	"context"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"ledger-engine/internal/errors"
	"ledger-engine/internal/service"
)

// Submitter applies one boundary input.
type Submitter interface {
	Submit(ctx context.Context, in *service.OperationInput) service.Result
}

// RowResult is the outcome of one input row. Row counts from 1 and, for CSV,
// excludes the header line.
type RowResult struct {
	Row int `json:"row"`
	service.Result
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Applied int         `json:"applied"`
	Failed  int         `json:"failed"`
	Rows    []RowResult `json:"rows"`
}

type Importer struct {
	ledger Submitter
	logger *slog.Logger
}

func New(ledger Submitter, logger *slog.Logger) *Importer {
	return &Importer{
		ledger: ledger,
		logger: logger,
	}
}

// ImportRows applies rows in order.
func (im *Importer) ImportRows(ctx context.Context, rows []service.OperationInput) *Summary {
	summary := &Summary{Rows: make([]RowResult, 0, len(rows))}
	for i := range rows {
		if ctx.Err() != nil {
			summary.add(i+1, service.ResultOf(nil, ctx.Err()))
			continue
		}
		summary.add(i+1, im.ledger.Submit(ctx, &rows[i]))
	}

	im.logger.Info("Batch processed", "rows", len(rows), "applied", summary.Applied, "failed", summary.Failed)
	return summary
}

// Columns is the CSV header ImportCSV understands. Column order is free;
// kind and amount are mandatory.
var Columns = []string{
	"kind",
	"amount",
	"source_account_id",
	"destination_account_id",
	"customer_id",
	"supplier_id",
	"category_id",
	"description",
	"idempotency_key",
}

// ImportCSV reads a header line followed by one operation per line. Only a
// malformed header or an unreadable stream fails the whole import.
func (im *Importer) ImportCSV(ctx context.Context, r io.Reader) (*Summary, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, errors.NewAppError(errors.InvalidInput, "csv input is empty")
		}
		return nil, errors.NewAppError(errors.InvalidInput, "cannot read csv header").WithDetails(err.Error())
	}
	index, err := headerIndex(header)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for row := 1; ; row++ {
		record, err := reader.Read()
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !stderrors.As(err, &parseErr) {
				return summary, errors.NewAppError(errors.InvalidInput, "cannot read csv").WithDetails(err.Error())
			}
			summary.add(row, service.ResultOf(nil, errors.NewAppError(errors.InvalidInput, "malformed csv line").WithDetails(err.Error())))
			continue
		}
		if isBlank(record) {
			row--
			continue
		}

		in, err := parseRecord(record, index)
		if err != nil {
			summary.add(row, service.ResultOf(nil, err))
			continue
		}
		if ctx.Err() != nil {
			summary.add(row, service.ResultOf(nil, ctx.Err()))
			continue
		}
		summary.add(row, im.ledger.Submit(ctx, in))
	}

	im.logger.Info("CSV import processed", "rows", len(summary.Rows), "applied", summary.Applied, "failed", summary.Failed)
	return summary, nil
}

func (s *Summary) add(row int, res service.Result) {
	if res.Success {
		s.Applied++
	} else {
		s.Failed++
	}
	s.Rows = append(s.Rows, RowResult{Row: row, Result: res})
}

func headerIndex(header []string) (map[string]int, error) {
	known := make(map[string]bool, len(Columns))
	for _, c := range Columns {
		known[c] = true
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if !known[name] {
			return nil, errors.NewAppErrorf(errors.InvalidInput, "unknown csv column %q", name)
		}
		if _, dup := index[name]; dup {
			return nil, errors.NewAppErrorf(errors.InvalidInput, "duplicate csv column %q", name)
		}
		index[name] = i
	}
	for _, required := range []string{"kind", "amount"} {
		if _, ok := index[required]; !ok {
			return nil, errors.NewAppErrorf(errors.InvalidInput, "csv column %q is required", required)
		}
	}
	return index, nil
}

func parseRecord(record []string, index map[string]int) (*service.OperationInput, error) {
	field := func(name string) string {
		i, ok := index[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	in := &service.OperationInput{
		Kind:           field("kind"),
		Amount:         field("amount"),
		Description:    field("description"),
		IdempotencyKey: field("idempotency_key"),
	}

	ids := []struct {
		name string
		dst  **int64
	}{
		{"source_account_id", &in.SourceAccountID},
		{"destination_account_id", &in.DestinationAccountID},
		{"customer_id", &in.CustomerID},
		{"supplier_id", &in.SupplierID},
		{"category_id", &in.CategoryID},
	}
	for _, col := range ids {
		raw := field(col.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.NewAppError(errors.InvalidInput, fmt.Sprintf("%s must be an integer", col.name)).WithField(col.name)
		}
		*col.dst = &v
	}
	return in, nil
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
