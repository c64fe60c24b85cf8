package ingest

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const metricsCSV = "\ufeff City , GDP ,HDI, Literacy ,Gini Coefficient \n" +
	"Delhi,10,20,5,0.41\n" +
	"Mumbai,11,19,6,0.38\n" +
	"Patna,90,5,50,\n"

func TestReadRecords_NormalizesHeader(t *testing.T) {
	records, err := ReadRecords("metrics.csv", []byte(metricsCSV))
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	want := []string{"City", "GDP", "HDI", "Literacy", "Gini Coefficient"}
	for i, h := range want {
		if records[0][i] != h {
			t.Errorf("header[%d] = %q, want %q", i, records[0][i], h)
		}
	}
	if len(records) != 4 {
		t.Errorf("len(records) = %d, want 4", len(records))
	}
}

func TestReadRecords_Empty(t *testing.T) {
	if _, err := ReadRecords("x.csv", nil); !errors.Is(err, ErrSchema) {
		t.Errorf("err = %v, want ErrSchema", err)
	}
}

func TestReadRecords_XLSX(t *testing.T) {
	f := excelize.NewFile()
	rows := [][]interface{}{
		{" City", "GDP", "HDI"},
		{"Delhi", 10, 20},
		{"Pune", 12.5, 18},
	}
	for i, r := range rows {
		cellRef, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Sheet1", cellRef, &r); err != nil {
			t.Fatal(err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}

	records, err := ReadRecords("metrics.xlsx", buf.Bytes())
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	tbl, rejected, err := ParseMetricTable(records, DefaultSchema())
	if err != nil {
		t.Fatalf("ParseMetricTable: %v", err)
	}
	if len(rejected) != 0 {
		t.Errorf("rejected = %+v", rejected)
	}
	row, ok := tbl.Row("Pune")
	if !ok || row.Values[0] != 12.5 {
		t.Errorf("Pune = %+v, %v", row, ok)
	}
}

func TestParseMetricTable(t *testing.T) {
	records, err := ReadRecords("metrics.csv", []byte(metricsCSV))
	if err != nil {
		t.Fatal(err)
	}
	tbl, rejected, err := ParseMetricTable(records, DefaultSchema())
	if err != nil {
		t.Fatalf("ParseMetricTable: %v", err)
	}
	if len(rejected) != 0 {
		t.Errorf("rejected = %+v, want none", rejected)
	}
	if got := tbl.Metrics(); len(got) != 3 || got[0] != "GDP" || got[2] != "Literacy" {
		t.Errorf("Metrics() = %v", got)
	}
	delhi, _ := tbl.Row("Delhi")
	if !delhi.HasGini || delhi.Gini != 0.41 {
		t.Errorf("Delhi gini = %v (%v), want 0.41", delhi.Gini, delhi.HasGini)
	}
	patna, _ := tbl.Row("Patna")
	if patna.HasGini {
		t.Error("Patna should have no gini")
	}
}

func TestParseMetricTable_RejectsBadRows(t *testing.T) {
	data := "City,GDP,HDI\n" +
		"Delhi,10,20\n" +
		"Mumbai,,19\n" +
		"Pune,abc,19\n" +
		",1,2\n" +
		"Delhi,3,4\n" +
		"\n" +
		"Agra,NaN,1\n" +
		"Jaipur,7,8\n"
	records, err := ReadRecords("m.csv", []byte(data))
	if err != nil {
		t.Fatal(err)
	}
	tbl, rejected, err := ParseMetricTable(records, DefaultSchema())
	if err != nil {
		t.Fatal(err)
	}
	if got := tbl.Cities(); len(got) != 2 || got[0] != "Delhi" || got[1] != "Jaipur" {
		t.Errorf("Cities() = %v, want [Delhi Jaipur]", got)
	}

	want := map[string]string{
		"Mumbai": FlagMissingValue,
		"Pune":   FlagNotNumeric,
		"":       FlagEmptyCity,
		"Delhi":  FlagDuplicateCity,
		"Agra":   FlagNonFinite,
	}
	if len(rejected) != len(want) {
		t.Fatalf("len(rejected) = %d, want %d: %+v", len(rejected), len(want), rejected)
	}
	for _, r := range rejected {
		if r.Flags[0] != want[r.City] {
			t.Errorf("%q line %d flags = %v, want %s", r.City, r.Line, r.Flags, want[r.City])
		}
	}
}

func TestParseMetricTable_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no city column", "Town,GDP\nX,1\n"},
		{"no metrics", "City,Gini Coefficient\nX,0.3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := ReadRecords("m.csv", []byte(tt.data))
			if err != nil {
				t.Fatal(err)
			}
			if _, _, err := ParseMetricTable(records, DefaultSchema()); !errors.Is(err, ErrSchema) {
				t.Errorf("err = %v, want ErrSchema", err)
			}
		})
	}
}

func TestParseTimeSeries(t *testing.T) {
	data := "\ufeffCity ,Year,GDP,HDI\n" +
		" Delhi ,2019,300,0.70\n" +
		"Delhi,2018.0,280,\n" +
		"Delhi,2020-01-01,310,0.72\n" +
		"Delhi,someday,1,1\n" +
		"Pune,2020,100,x\n"
	records, err := ReadRecords("ts.csv", []byte(data))
	if err != nil {
		t.Fatal(err)
	}
	tbl, rejected, err := ParseTimeSeries(records, DefaultSchema())
	if err != nil {
		t.Fatalf("ParseTimeSeries: %v", err)
	}
	if len(rejected) != 2 {
		t.Errorf("len(rejected) = %d, want 2: %+v", len(rejected), rejected)
	}

	gdp, ok := tbl.Series("Delhi", "GDP")
	if !ok || len(gdp) != 3 {
		t.Fatalf("Series(Delhi, GDP) = %v, %v", gdp, ok)
	}
	years := []int{gdp[0].Year, gdp[1].Year, gdp[2].Year}
	if !sort.IntsAreSorted(years) || years[0] != 2018 || years[2] != 2020 {
		t.Errorf("years = %v, want [2018 2019 2020]", years)
	}
	hdi, _ := tbl.Series("Delhi", "HDI")
	if len(hdi) != 2 {
		t.Errorf("len(HDI) = %d, want 2 (2018 cell empty)", len(hdi))
	}
}

func TestParseTimeSeries_MissingColumns(t *testing.T) {
	records := [][]string{{"City", "GDP"}, {"Delhi", "1"}}
	if _, _, err := ParseTimeSeries(records, DefaultSchema()); !errors.Is(err, ErrSchema) {
		t.Errorf("err = %v, want ErrSchema", err)
	}
}

func TestParseYear(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"2019", 2019, true},
		{" 2019 ", 2019, true},
		{"2019.0", 2019, true},
		{"2019.5", 0, false},
		{"2019-01-01", 2019, true},
		{"2019-06", 2019, true},
		{"", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseYear(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseYear(%q) = %d, %v, want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFetch_File(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "metrics.csv")
	if err := os.WriteFile(p, []byte(metricsCSV), 0644); err != nil {
		t.Fatal(err)
	}

	f := NewFetcher()
	for _, uri := range []string{p, "file://" + p} {
		got, err := f.Fetch(context.Background(), uri)
		if err != nil {
			t.Fatalf("Fetch(%s): %v", uri, err)
		}
		if string(got) != metricsCSV {
			t.Errorf("Fetch(%s) = %q", uri, got)
		}
	}
}

func TestFetch_BarePathKeepsPercentEscapes(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a%20b.csv")
	if err := os.WriteFile(p, []byte(metricsCSV), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a b.csv"), []byte("City\n"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := NewFetcher().Fetch(context.Background(), p)
	if err != nil {
		t.Fatalf("Fetch(%s): %v", p, err)
	}
	if string(got) != metricsCSV {
		t.Errorf("Fetch(%s) read the decoded path: %q", p, got)
	}

	// file URIs are URLs, so their escapes are decoded
	got, err = NewFetcher().Fetch(context.Background(), "file://"+filepath.ToSlash(dir)+"/a%20b.csv")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "City\n" {
		t.Errorf("file URI read %q, want the decoded path", got)
	}
}

func TestFetch_Zstd(t *testing.T) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write([]byte(metricsCSV)); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "metrics.csv.zst")
	if err := os.WriteFile(p, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	tbl, err := LoadMetricTable(context.Background(), NewFetcher(), p, DefaultSchema(), zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadMetricTable: %v", err)
	}
	if tbl.Len() != 3 {
		t.Errorf("Len() = %d, want 3", tbl.Len())
	}
}

func TestFetch_HTTPRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(metricsCSV))
	}))
	defer srv.Close()

	got, err := NewFetcher().Fetch(context.Background(), srv.URL+"/metrics.csv")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != metricsCSV {
		t.Errorf("body = %q", got)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestFetch_HTTPNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher().WithMaxElapsed(5 * time.Second)
	if _, err := f.Fetch(context.Background(), srv.URL+"/gone.csv"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestFetch_UnsupportedScheme(t *testing.T) {
	if _, err := NewFetcher().Fetch(context.Background(), "gopher://x/y"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestTimeSeriesFile_ReloadsOnEveryLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ts.csv")
	write := func(s string) {
		if err := os.WriteFile(p, []byte(s), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write("City,Year,GDP\nDelhi,2019,1\n")
	src := NewTimeSeriesFile(NewFetcher(), p, DefaultSchema(), zerolog.Nop())

	first, err := src.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	write("City,Year,GDP\nDelhi,2019,1\nDelhi,2020,2\n")
	second, err := src.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Observations) != 1 || len(second.Observations) != 2 {
		t.Errorf("observations = %d then %d, want 1 then 2", len(first.Observations), len(second.Observations))
	}
}
