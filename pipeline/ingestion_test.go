package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"

	"randforest/config"
	"randforest/ml"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newLoader(t *testing.T, modify func(*config.InputConfig)) *Loader {
	t.Helper()
	cfg := config.Default()
	if modify != nil {
		modify(&cfg.Input)
	}
	layout, err := cfg.Layout()
	if err != nil {
		t.Fatal(err)
	}
	loader, err := NewLoader(cfg.Input, layout, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return loader
}

const sampleCSV = `f1,f2,label
0.5,1.0,0
1.5,2.0,1
# comment line
2.5,3.0,1
oops,4.0,0
3.5,NaN,0
4.5,5.0
`

func TestLoadRowMajor(t *testing.T) {
	path := writeFile(t, t.TempDir(), "train.csv", []byte(sampleCSV))
	loader := newLoader(t, func(c *config.InputConfig) { c.Header = true })

	ds, err := loader.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data := ds.Data
	if data.Count() != 3 || data.Dimensions() != 2 || data.CountClasses() != 2 {
		t.Fatalf("unexpected shape %d x %d, %d classes", data.Count(), data.Dimensions(), data.CountClasses())
	}
	if !reflect.DeepEqual(data.Point(2), []float64{2.5, 3.0}) || data.Label(2) != 1 {
		t.Fatalf("unexpected third example %v/%d", data.Point(2), data.Label(2))
	}
	// parse error, NaN, and the short row
	if ds.Rejected != 3 {
		t.Fatalf("expected 3 rejected rows, got %d: %+v", ds.Rejected, ds.Issues)
	}
	want := map[string]int64{"parse": 2, "finite_value": 1}
	if !reflect.DeepEqual(ds.IssuesByType, want) {
		t.Fatalf("unexpected issue counts %v", ds.IssuesByType)
	}
	if got := loader.Stats().IssuesByType; !reflect.DeepEqual(got, want) {
		t.Fatalf("loader did not accumulate issue counts: %v", got)
	}
}

func TestLoadLabelColumnAndDelimiter(t *testing.T) {
	path := writeFile(t, t.TempDir(), "train.tsv", []byte("2\t1.0\t7\n0\t2.0\t8\n"))
	loader := newLoader(t, func(c *config.InputConfig) {
		c.Delimiter = "\t"
		c.LabelColumn = 0
		c.NumClasses = 4
	})
	ds, err := loader.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ds.Data.CountClasses() != 4 || ds.Data.Label(0) != 2 || !reflect.DeepEqual(ds.Data.Point(1), []float64{2, 8}) {
		t.Fatalf("unexpected dataset %d classes, %v", ds.Data.CountClasses(), ds.Data.Point(1))
	}
}

func TestLoadColumnMajor(t *testing.T) {
	dir := t.TempDir()
	rowPath := writeFile(t, dir, "rows.csv", []byte("1,10,0\n2,20,1\n3,30,1\n"))
	colPath := writeFile(t, dir, "cols.csv", []byte("1,2,3\n10,20,30\n0,1,1\n"))

	rows, err := newLoader(t, nil).Load(context.Background(), rowPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cols, err := newLoader(t, func(c *config.InputConfig) { c.Layout = "column_major" }).Load(context.Background(), colPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if !reflect.DeepEqual(rows.Data.Point(i), cols.Data.Point(i)) || rows.Data.Label(i) != cols.Data.Label(i) {
			t.Fatalf("example %d differs between layouts", i)
		}
	}
}

func TestLoadEncodings(t *testing.T) {
	dir := t.TempDir()
	gbk, err := simplifiedchinese.GBK.NewEncoder().String("特征一,特征二,标签\n1,2,0\n3,4,1\n")
	if err != nil {
		t.Fatal(err)
	}
	utf16, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String("1,2,0\n3,4,1\n")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		encoding string
		data     string
		header   bool
	}{
		{name: "gbk", encoding: "gbk", data: gbk, header: true},
		{name: "utf-16le", encoding: "utf-16le", data: utf16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.name+".csv", []byte(tt.data))
			loader := newLoader(t, func(c *config.InputConfig) {
				c.Encoding = tt.encoding
				c.Header = tt.header
			})
			ds, err := loader.Load(context.Background(), path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ds.Data.Count() != 2 || !reflect.DeepEqual(ds.Data.Point(1), []float64{3, 4}) {
				t.Fatalf("unexpected dataset %d examples", ds.Data.Count())
			}
		})
	}
}

func TestNewLoaderRejectsUnknownEncoding(t *testing.T) {
	cfg := config.Default()
	cfg.Input.Encoding = "klingon"
	if _, err := NewLoader(cfg.Input, ml.RowMajor, nil); err == nil {
		t.Fatal("expected an error")
	}
}

func TestLoadCache(t *testing.T) {
	path := writeFile(t, t.TempDir(), "train.csv", []byte("1,2,0\n3,4,1\n"))
	loader := newLoader(t, nil)
	ctx := context.Background()

	first, err := loader.Load(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := loader.Load(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatal("unchanged file was not served from cache")
	}

	if err := os.WriteFile(path, []byte("1,2,0\n3,4,1\n5,6,1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	third, err := loader.Load(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.Data.Count() != 3 {
		t.Fatalf("changed file served from cache")
	}

	stats := loader.Stats()
	if stats.Loads != 2 || stats.CacheHits != 1 || stats.Records != 5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(stats.IssuesByType) != 0 {
		t.Fatalf("clean files should not report issues, got %v", stats.IssuesByType)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	loader := newLoader(t, nil)
	ctx := context.Background()

	if _, err := loader.Load(ctx, filepath.Join(dir, "missing.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
	bad := writeFile(t, dir, "bad.csv", []byte("a,b,c\nx,y,z\n"))
	if _, err := loader.Load(ctx, bad); !errors.Is(err, ErrNoRecords) {
		t.Fatalf("expected no records, got %v", err)
	}
	labels := writeFile(t, dir, "labels.csv", []byte("1,2,-1\n"))
	if _, err := loader.Load(ctx, labels); !errors.Is(err, ErrNoRecords) {
		t.Fatalf("expected no records, got %v", err)
	}
}
