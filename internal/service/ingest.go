package service

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jask/clinicbook/internal/database/repository"
)

// ImportService bulk-creates expenses from CSV through the normal write path, so rows
// imported while offline are queued like any other write.
type ImportService struct {
	Expenses  *ExpenseService
	Directory *ClinicDirectory
}

type IngestResult struct {
	Imported int
	Queued   int
	Skipped  int
	Errors   []error
}

// ImportCSV reads rows of: date, clinic, category, billed_amount, tds, received, mode, notes.
// Only the first four columns are required. A header row is skipped. Rows matching an
// existing expense on clinic, date, category and billed amount are skipped.
func (s *ImportService) ImportCSV(ctx context.Context, r io.Reader) (IngestResult, error) {
	res := IngestResult{}
	existing, err := s.Expenses.List(ctx)
	if err != nil {
		return res, err
	}
	seen := make(map[string]bool, len(existing.Item))
	for _, e := range existing.Item {
		seen[fingerprint(e.ClinicID, e.Date(), e.Category, e.BilledAmount)] = true
	}

	csvr := csv.NewReader(bufio.NewReader(r))
	csvr.TrimLeadingSpace = true
	csvr.FieldsPerRecord = -1
	csvr.Comment = '#'
	first := true
	for {
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// csv.ParseError already names the file line
			res.Errors = append(res.Errors, err)
			continue
		}
		line, _ := csvr.FieldPos(0)
		if first {
			first = false
			if strings.EqualFold(strings.TrimSpace(rec[0]), "date") {
				continue
			}
		}
		if len(rec) < 4 {
			res.Errors = append(res.Errors, fmt.Errorf("line %d: expected at least 4 columns (date, clinic, category, billed_amount)", line))
			continue
		}
		in, err := s.row(ctx, rec)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		key := fingerprint(in.ClinicID, in.ExpenseDate, in.Category, in.BilledAmount)
		if seen[key] {
			res.Skipped++
			continue
		}
		out, err := s.Expenses.Add(ctx, in)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("line %d: %w", line, err))
			continue
		}
		seen[key] = true
		res.Imported++
		if out.Offline {
			res.Queued++
		}
	}
	return res, nil
}

func (s *ImportService) row(ctx context.Context, rec []string) (ExpenseInput, error) {
	col := func(i int) string {
		if i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}
	date, err := parseLocalDate(col(0))
	if err != nil {
		return ExpenseInput{}, fmt.Errorf("date: %w", err)
	}
	clinic, err := s.Directory.Resolve(ctx, col(1))
	if err != nil {
		return ExpenseInput{}, fmt.Errorf("clinic: %w", err)
	}
	billed, err := parseAmount(col(3))
	if err != nil {
		return ExpenseInput{}, fmt.Errorf("billed_amount: %w", err)
	}
	in := ExpenseInput{
		ClinicID:     clinic.ID,
		ExpenseDate:  date,
		Category:     col(2),
		BilledAmount: billed,
		PaymentMode:  col(6),
		Notes:        col(7),
	}
	if v := col(4); v != "" {
		if in.TDSDeducted, err = parseFlag(v); err != nil {
			return ExpenseInput{}, fmt.Errorf("tds: %w", err)
		}
	}
	if v := col(5); v != "" {
		if in.AmountReceived, err = parseAmount(v); err != nil {
			return ExpenseInput{}, fmt.Errorf("received: %w", err)
		}
	}
	return in, nil
}

func parseAmount(s string) (repository.Amount, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	f, _ := d.Round(2).Float64()
	return repository.Amount(f), nil
}

func parseFlag(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(s)
}

// parseLocalDate accepts ISO dates and the day-first form clinics export.
func parseLocalDate(s string) (string, error) {
	for _, layout := range []string{time.DateOnly, "2/1/2006", "2-1-2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.DateOnly), nil
		}
	}
	return "", errors.New("want YYYY-MM-DD or DD/MM/YYYY")
}

func fingerprint(clinic repository.ID, date, category string, billed repository.Amount) string {
	joined := strings.Join([]string{clinic.String(), date, strings.ToUpper(category), fmt.Sprintf("%.2f", float64(billed))}, "|")
	sum := sha256.Sum256([]byte(joined))
	return fmt.Sprintf("%x", sum[:])
}
