package processor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/xuri/excelize/v2"

	"github.com/yourusername/doc-forge/internal/domain"
	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/testutil"
)

func TestMain(m *testing.M) {
	pdfapi.DisableConfigDir()
	os.Exit(m.Run())
}

type fixtures struct {
	dir          string
	pdf1, pdf2   string
	xlsx1, xlsx2 string
	doc1, doc2   string
	png, jpg     string
	csv          string
}

func newFixtures(t *testing.T) fixtures {
	t.Helper()
	dir := t.TempDir()
	fx := fixtures{dir: dir}

	fx.png = testutil.WritePNG(t, dir, 24, 24)
	fx.pdf1 = makePDF(t, dir, "one.pdf", 1)
	fx.pdf2 = makePDF(t, dir, "two.pdf", 2)
	fx.xlsx1 = makeWorkbook(t, filepath.Join(dir, "a.xlsx"), "Alpha", "Beta")
	fx.xlsx2 = makeWorkbook(t, filepath.Join(dir, "b.xlsx"), "Alpha")
	fx.doc1 = testutil.WriteDocx(t, dir, "a.docx", testutil.Paragraph{Text: "hello world"})
	fx.doc2 = testutil.WriteDocx(t, dir, "b.docx", testutil.Paragraph{Text: "second"})
	fx.jpg = writeJPEG(t, dir)

	fx.csv = filepath.Join(dir, "data.csv")
	if err := os.WriteFile(fx.csv, []byte("a,b\n1,2\n"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return fx
}

func makePDF(t *testing.T, dir, name string, pages int) string {
	t.Helper()
	images := make([]string, pages)
	for i := range images {
		images[i] = testutil.WritePNG(t, dir, 16, 16)
	}
	out := filepath.Join(dir, name)
	if err := pdf.ImagesToPDF(context.Background(), images, out); err != nil {
		t.Fatalf("ImagesToPDF: %v", err)
	}
	return out
}

func makeWorkbook(t *testing.T, path string, sheets ...string) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, name := range sheets {
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), name); err != nil {
				t.Fatalf("SetSheetName: %v", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			t.Fatalf("NewSheet: %v", err)
		}
		if err := f.SetCellValue(name, "A1", " "+name+" "); err != nil {
			t.Fatalf("SetCellValue: %v", err)
		}
		if err := f.SetCellValue(name, "B1", 7); err != nil {
			t.Fatalf("SetCellValue: %v", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	return path
}

func writeJPEG(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 120, B: 200, A: 255})
		}
	}
	path := filepath.Join(dir, "photo.jpg")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	return path
}

func TestDispatchEveryJobType(t *testing.T) {
	fx := newFixtures(t)
	workDir := t.TempDir()
	reg := NewRegistry(Config{WorkDir: workDir}, nil)

	cases := []struct {
		typ     domain.JobType
		inputs  []string
		opts    domain.Options
		outputs int
		ext     string
	}{
		{domain.JobTypePDFMerge, []string{fx.pdf1, fx.pdf2}, nil, 1, ".pdf"},
		{domain.JobTypePDFSplit, []string{fx.pdf2}, nil, 2, ".pdf"},
		{domain.JobTypePDFCompress, []string{fx.pdf2}, nil, 1, ".pdf"},
		{domain.JobTypePDFProtect, []string{fx.pdf1}, domain.Options{"password": "pw"}, 1, ".pdf"},
		{domain.JobTypeExcelMerge, []string{fx.xlsx1, fx.xlsx2}, nil, 1, ".xlsx"},
		{domain.JobTypeExcelSplit, []string{fx.xlsx1}, nil, 2, ".xlsx"},
		{domain.JobTypeExcelCSV, []string{fx.xlsx1}, nil, 1, ".csv"},
		{domain.JobTypeExcelClean, []string{fx.xlsx1}, domain.Options{"boldHeader": true, "fontSize": float64(12)}, 1, ".xlsx"},
		{domain.JobTypeWordMerge, []string{fx.doc1, fx.doc2}, nil, 1, ".html"},
		{domain.JobTypeWordHTML, []string{fx.doc1}, nil, 1, ".html"},
		{domain.JobTypeWordText, []string{fx.doc1}, nil, 1, ".txt"},
		{domain.JobTypeConvert, []string{fx.png}, domain.Options{"toFormat": "pdf"}, 1, ".pdf"},
	}
	if len(cases) != len(domain.JobTypes()) {
		t.Fatalf("cases cover %d job types, want %d", len(cases), len(domain.JobTypes()))
	}

	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			jobID := "job-" + string(tc.typ)
			outputs, err := reg.Dispatch(context.Background(), jobID, tc.typ, tc.inputs, tc.opts)
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if len(outputs) != tc.outputs {
				t.Fatalf("outputs = %v, want %d", outputs, tc.outputs)
			}
			for _, out := range outputs {
				if filepath.Dir(out) != workDir || !strings.Contains(filepath.Base(out), jobID) {
					t.Fatalf("unexpected output path %s", out)
				}
				if filepath.Ext(out) != tc.ext {
					t.Fatalf("output %s, want extension %s", out, tc.ext)
				}
				if info, err := os.Stat(out); err != nil || info.Size() == 0 {
					t.Fatalf("output %s missing or empty: %v", out, err)
				}
			}
		})
	}
}

func TestDispatchOutputNames(t *testing.T) {
	fx := newFixtures(t)
	workDir := t.TempDir()
	reg := NewRegistry(Config{WorkDir: workDir}, nil)

	outputs, err := reg.Dispatch(context.Background(), "abc", domain.JobTypePDFMerge, []string{fx.pdf1}, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := filepath.Base(outputs[0]); got != "output-abc.pdf" {
		t.Fatalf("merge output = %s", got)
	}

	outputs, err = reg.Dispatch(context.Background(), "abc", domain.JobTypePDFSplit, []string{fx.pdf2}, nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := filepath.Base(outputs[1]); got != "abc-page-002.pdf" {
		t.Fatalf("split output = %s", got)
	}
}

func TestMergeWithPageOrder(t *testing.T) {
	fx := newFixtures(t)
	workDir := t.TempDir()
	reg := NewRegistry(Config{WorkDir: workDir}, nil)

	outputs, err := reg.Dispatch(context.Background(), "po", domain.JobTypePDFMerge, []string{fx.pdf1, fx.pdf2},
		domain.Options{"pageOrder": []any{2.0, 0.0, 1.0}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n, err := pdf.PageCount(outputs[0]); err != nil || n != 3 {
		t.Fatalf("pages = %d, %v, want 3", n, err)
	}

	_, err = reg.Dispatch(context.Background(), "po-bad", domain.JobTypePDFMerge, []string{fx.pdf1, fx.pdf2},
		domain.Options{"pageOrder": []any{0.0}})
	var de *domain.DispatchError
	if !errors.As(err, &de) || de.Code != CodeInvalidInput {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
	entries, _ := os.ReadDir(workDir)
	if len(entries) != 1 {
		t.Fatalf("work dir has %d files, want only the first output", len(entries))
	}
}

func TestWordHTMLFindReplace(t *testing.T) {
	fx := newFixtures(t)
	reg := NewRegistry(Config{WorkDir: t.TempDir()}, nil)

	outputs, err := reg.Dispatch(context.Background(), "fr", domain.JobTypeWordHTML, []string{fx.doc1},
		domain.Options{"find": "w(or)ld", "replace": "p${1}t", "regex": true})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	data, err := os.ReadFile(outputs[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "<p>hello port</p>") {
		t.Fatalf("replacement missing: %s", data)
	}
}

func TestConvertPairs(t *testing.T) {
	fx := newFixtures(t)
	text := testutil.WriteTextPDF(t, fx.dir, "Hello PDF")
	reg := NewRegistry(Config{WorkDir: t.TempDir()}, nil)

	cases := []struct {
		name   string
		inputs []string
		opts   domain.Options
		ext    string
	}{
		{"pdf-txt", []string{text}, domain.Options{"toFormat": "txt"}, ".txt"},
		{"jpg-pdf", []string{fx.jpg, fx.png}, domain.Options{"fromFormat": "jpeg", "toFormat": "pdf"}, ".pdf"},
		{"png-jpg", []string{fx.png}, domain.Options{"toFormat": "jpeg"}, ".jpg"},
		{"jpg-png", []string{fx.jpg}, domain.Options{"toFormat": "png"}, ".png"},
		{"xlsx-csv", []string{fx.xlsx1}, domain.Options{"toFormat": "csv"}, ".csv"},
		{"csv-xlsx", []string{fx.csv}, domain.Options{"toFormat": "xlsx"}, ".xlsx"},
		{"docx-html", []string{fx.doc1}, domain.Options{"toFormat": "html"}, ".html"},
		{"docx-txt", []string{fx.doc1}, domain.Options{"toFormat": "txt"}, ".txt"},
		{"docx-pdf", []string{fx.doc1}, domain.Options{"toFormat": "pdf"}, ".pdf"},
		{"xlsx-pdf", []string{fx.xlsx1}, domain.Options{"fromFormat": "xlsx", "toFormat": "pdf"}, ".pdf"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outputs, err := reg.Dispatch(context.Background(), tc.name, domain.JobTypeConvert, tc.inputs, tc.opts)
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if len(outputs) != 1 || filepath.Base(outputs[0]) != "output-"+tc.name+tc.ext {
				t.Fatalf("outputs = %v", outputs)
			}
			if tc.ext == ".pdf" {
				if n, err := pdf.PageCount(outputs[0]); err != nil || n < 1 {
					t.Fatalf("pdf pages = %d, %v", n, err)
				}
			}
		})
	}
}

func TestConvertUnsupportedNamesBothFormats(t *testing.T) {
	fx := newFixtures(t)
	reg := NewRegistry(Config{WorkDir: t.TempDir()}, nil)

	_, err := reg.Dispatch(context.Background(), "u", domain.JobTypeConvert, []string{fx.pdf1}, domain.Options{"toFormat": "docx"})
	var de *domain.DispatchError
	if !errors.As(err, &de) || de.Code != CodeUnsupportedConversion {
		t.Fatalf("err = %v, want UNSUPPORTED_CONVERSION", err)
	}
	if !strings.Contains(de.Message, "pdf") || !strings.Contains(de.Message, "docx") {
		t.Fatalf("message must name both formats: %q", de.Message)
	}
	if SupportedConversion("pdf", "docx") || !SupportedConversion(".JPEG", "PDF") || !SupportedConversion("docx", "pdf") || !SupportedConversion("xlsx", "pdf") {
		t.Fatal("SupportedConversion table mismatch")
	}
}

func TestDispatchRejectsWrongContent(t *testing.T) {
	fx := newFixtures(t)
	workDir := t.TempDir()
	reg := NewRegistry(Config{WorkDir: workDir}, nil)

	fake := filepath.Join(fx.dir, "fake.pdf")
	if err := os.WriteFile(fake, []byte("this is not a pdf"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	outputs, err := reg.Dispatch(context.Background(), "bad", domain.JobTypePDFMerge, []string{fx.pdf1, fake}, nil)
	var de *domain.DispatchError
	if !errors.As(err, &de) || de.Code != CodeInvalidInput {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
	if outputs != nil {
		t.Fatalf("outputs = %v, want none", outputs)
	}
	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("work dir not empty: %v", entries)
	}

	_, err = reg.Dispatch(context.Background(), "bad2", domain.JobTypeWordText, []string{fx.xlsx1}, nil)
	if !errors.As(err, &de) || de.Code != CodeInvalidInput {
		t.Fatalf("xlsx as docx err = %v, want INVALID_INPUT", err)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	reg := NewRegistry(Config{WorkDir: t.TempDir()}, nil)
	_, err := reg.Dispatch(context.Background(), "x", domain.JobType("pdf-rotate"), []string{"a.pdf"}, nil)
	var de *domain.DispatchError
	if !errors.As(err, &de) || de.Code != CodeUnknownJobType {
		t.Fatalf("err = %v, want UNKNOWN_JOB_TYPE", err)
	}
}

func TestValidate(t *testing.T) {
	reg := NewRegistry(Config{WorkDir: t.TempDir()}, nil)
	cases := []struct {
		name   string
		typ    domain.JobType
		inputs []string
		opts   domain.Options
		field  string
	}{
		{"no files", domain.JobTypePDFMerge, nil, nil, "files"},
		{"split needs one", domain.JobTypePDFSplit, []string{"a", "b"}, nil, "files"},
		{"protect password", domain.JobTypePDFProtect, []string{"a"}, nil, "password"},
		{"bad preset", domain.JobTypePDFCompress, []string{"a"}, domain.Options{"preset": "max"}, "preset"},
		{"order type", domain.JobTypePDFMerge, []string{"a"}, domain.Options{"order": "1,0"}, "order"},
		{"page order type", domain.JobTypePDFMerge, []string{"a"}, domain.Options{"pageOrder": []any{"x"}}, "pageOrder"},
		{"font size range", domain.JobTypeExcelClean, []string{"a"}, domain.Options{"fontSize": float64(100)}, "fontSize"},
		{"font size type", domain.JobTypeExcelClean, []string{"a"}, domain.Options{"fontSize": "big"}, "fontSize"},
		{"bad regex", domain.JobTypeWordHTML, []string{"a"}, domain.Options{"find": "(", "regex": true}, "find"},
		{"convert target", domain.JobTypeConvert, []string{"a"}, nil, "toFormat"},
		{"unknown", domain.JobType("nope"), []string{"a"}, nil, "type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.Validate(tc.typ, tc.inputs, tc.opts)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("err = %v, want ValidationError on %s", err, tc.field)
			}
		})
	}

	if err := reg.Validate(domain.JobTypeExcelClean, []string{"a"}, domain.Options{"fontSize": "12", "boldHeader": true}); err != nil {
		t.Fatalf("valid excel-clean options rejected: %v", err)
	}
	if err := reg.Validate(domain.JobTypeConvert, []string{"a"}, domain.Options{"toFormat": "docx"}); err != nil {
		t.Fatalf("unsupported pairs are reported at dispatch, got %v", err)
	}
}
