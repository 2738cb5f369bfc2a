package api

import (
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/identity"
	"github.com/dompet/backend/internal/tools"
)

const (
	csvMaxRows   = 2000
	csvChunkSize = 500
)

var csvColumns = []string{"date", "description", "amount", "type", "category"}

type uploadCSVRequest struct {
	Month string `json:"month"`
	CSV   string `json:"csv"`
}

type csvBatch struct {
	Batch    int    `json:"batch"`
	RowCount int    `json:"rowCount"`
	Month    string `json:"month"`
}

func (s *Server) handleUploadCSV(w http.ResponseWriter, r *http.Request) {
	scope, _ := identity.ScopeFrom(r.Context())

	var req uploadCSVRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !validMonth(req.Month) {
		writeError(w, core.ValidationError([]string{"month must be YYYY-MM"}))
		return
	}
	if strings.TrimSpace(req.CSV) == "" {
		writeError(w, core.ValidationError([]string{"csv must not be empty"}))
		return
	}

	txs, err := s.parseCSV(scope, req.CSV)
	if err != nil {
		writeError(w, err)
		return
	}

	ingested := 0
	batches := make([]csvBatch, 0, (len(txs)+csvChunkSize-1)/csvChunkSize)
	for start := 0; start < len(txs); start += csvChunkSize {
		end := start + csvChunkSize
		if end > len(txs) {
			end = len(txs)
		}
		chunk := txs[start:end]
		inserted, err := s.batches.InsertBatch(r.Context(), chunk)
		if err != nil {
			writeError(w, core.WrapE(core.CodeInternal, err, "ingest csv batch %d", len(batches)+1))
			return
		}
		ingested += inserted
		batches = append(batches, csvBatch{
			Batch:    len(batches) + 1,
			RowCount: len(chunk),
			Month:    req.Month,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ingestedCount": ingested,
		"batches":       batches,
	})
}

// parseCSV validates the header and every row, returning either the full
// transaction slice or a VALIDATION_ERROR naming each bad row.
func (s *Server) parseCSV(scope core.AuthenticatedUser, raw string) ([]core.Transaction, error) {
	reader := csv.NewReader(strings.NewReader(raw))
	reader.FieldsPerRecord = len(csvColumns)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, core.ValidationError([]string{"csv header row is required"})
	}
	for i, want := range csvColumns {
		if strings.ToLower(strings.TrimSpace(header[i])) != want {
			return nil, core.ValidationError([]string{
				"csv header must be exactly: " + strings.Join(csvColumns, ","),
			})
		}
	}

	var txs []core.Transaction
	var issues []string
	row := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if row > csvMaxRows {
			return nil, core.ValidationError([]string{
				"csv exceeds the maximum of " + strconv.Itoa(csvMaxRows) + " rows",
			})
		}
		if err != nil {
			// Structural errors (wrong field count, bare quote) name the
			// row like any other bad value; the reader resumes on the
			// next line.
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				issues = append(issues, "row "+strconv.Itoa(row)+": "+perr.Err.Error())
				continue
			}
			return nil, core.ValidationError([]string{
				"csv is unreadable at row " + strconv.Itoa(row),
			})
		}

		occurredAt, perr := parseCSVDate(record[0])
		if perr != nil {
			issues = append(issues, "row "+strconv.Itoa(row)+": invalid date "+record[0])
			continue
		}
		amount, aerr := core.ParseAmount(record[2])
		if aerr != nil {
			issues = append(issues, "row "+strconv.Itoa(row)+": invalid amount "+record[2])
			continue
		}
		txType := core.TransactionType(strings.ToLower(strings.TrimSpace(record[3])))
		if !core.ValidTransactionType(txType) {
			issues = append(issues, "row "+strconv.Itoa(row)+": invalid type "+record[3])
			continue
		}

		description := strings.TrimSpace(record[1])
		txs = append(txs, core.Transaction{
			TenantID:    scope.TenantID,
			CustomerID:  scope.CustomerID,
			Amount:      amount,
			Currency:    "MYR",
			Type:        txType,
			Category:    strings.TrimSpace(record[4]),
			Description: description,
			OccurredAt:  occurredAt,
			IdempotencyHandle: tools.DeriveTransactionKey(
				scope.TenantID, scope.CustomerID, occurredAt, amount.StringFixed(2), description),
		})
	}

	if len(issues) > 0 {
		return nil, core.ValidationError(issues)
	}
	if len(txs) == 0 {
		return nil, core.ValidationError([]string{"csv contains no data rows"})
	}
	return txs, nil
}

func parseCSVDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"2006-01-02", time.RFC3339, "02/01/2006"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, core.E(core.CodeValidation, "unparseable date %q", raw)
}
