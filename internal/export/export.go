package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/lox/citypulse/internal/ingest"
	"github.com/lox/citypulse/internal/models"
	"github.com/xuri/excelize/v2"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

const sheetName = "Clusters"

// ParseFormat accepts "csv" or "xlsx".
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatXLSX:
		return Format(s), nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Header is the export column list: city, every metric, gini, cluster. The
// city and gini names follow s so an export reads back with the same schema.
func Header(t *models.MetricTable, s ingest.Schema) []string {
	h := append([]string{s.City}, t.Metrics()...)
	return append(h, s.Gini, "Cluster")
}

// Write renders the clustered table in the given format.
func Write(w io.Writer, f Format, t *models.MetricTable, s ingest.Schema) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, t, s)
	case FormatXLSX:
		return WriteXLSX(w, t, s)
	}
	return fmt.Errorf("unsupported export format %q", f)
}

func WriteCSV(w io.Writer, t *models.MetricTable, s ingest.Schema) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(t, s)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range t.Rows() {
		rec := make([]string, 0, len(r.Values)+3)
		rec = append(rec, r.City)
		for _, v := range r.Values {
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		gini := ""
		if r.HasGini {
			gini = strconv.FormatFloat(r.Gini, 'g', -1, 64)
		}
		rec = append(rec, gini, clusterCell(r.Cluster))
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write %s: %w", r.City, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteXLSX(w io.Writer, t *models.MetricTable, s ingest.Schema) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := Header(t, s)
	hdr := make([]interface{}, len(header))
	for i, h := range header {
		hdr[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, r := range t.Rows() {
		row := make([]interface{}, 0, len(header))
		row = append(row, r.City)
		for _, v := range r.Values {
			row = append(row, v)
		}
		if r.HasGini {
			row = append(row, r.Gini)
		} else {
			row = append(row, nil)
		}
		if r.Cluster == models.NoCluster {
			row = append(row, nil)
		} else {
			row = append(row, r.Cluster)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("write %s: %w", r.City, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func clusterCell(c int) string {
	if c == models.NoCluster {
		return ""
	}
	return strconv.Itoa(c)
}
