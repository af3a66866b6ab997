package pdf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/yourusername/doc-forge/internal/domain"
	"github.com/yourusername/doc-forge/internal/testutil"
)

func TestMain(m *testing.M) {
	pdfapi.DisableConfigDir()
	os.Exit(m.Run())
}

func makePDF(t *testing.T, dir, name string, pages int) string {
	t.Helper()
	images := make([]string, pages)
	for i := range images {
		images[i] = testutil.WritePNG(t, dir, 20+i, 30)
	}
	out := filepath.Join(dir, name)
	if err := ImagesToPDF(context.Background(), images, out); err != nil {
		t.Fatalf("ImagesToPDF: %v", err)
	}
	return out
}

func mustPageCount(t *testing.T, path string) int {
	t.Helper()
	n, err := PageCount(path)
	if err != nil {
		t.Fatalf("PageCount(%s): %v", path, err)
	}
	return n
}

func TestMergePageCount(t *testing.T) {
	dir := t.TempDir()
	a := makePDF(t, dir, "a.pdf", 2)
	b := makePDF(t, dir, "b.pdf", 3)
	out := filepath.Join(dir, "merged.pdf")

	if err := Merge(context.Background(), []string{a, b}, nil, out); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := mustPageCount(t, out); got != 5 {
		t.Fatalf("merged pages = %d, want 5", got)
	}
}

func TestMergeWithOrder(t *testing.T) {
	dir := t.TempDir()
	a := makePDF(t, dir, "a.pdf", 1)
	b := makePDF(t, dir, "b.pdf", 2)
	out := filepath.Join(dir, "merged.pdf")

	if err := Merge(context.Background(), []string{a, b}, []int{1, 0}, out); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := mustPageCount(t, out); got != 3 {
		t.Fatalf("merged pages = %d, want 3", got)
	}

	err := Merge(context.Background(), []string{a, b}, []int{0, 0}, filepath.Join(dir, "bad.pdf"))
	var de *domain.DispatchError
	if !errors.As(err, &de) || de.Code != CodeInvalidInput {
		t.Fatalf("duplicate order err = %v, want INVALID_INPUT", err)
	}
}

func TestMergeRejectsNonPDF(t *testing.T) {
	dir := t.TempDir()
	bogus := filepath.Join(dir, "bogus.pdf")
	if err := os.WriteFile(bogus, []byte("not a pdf"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	out := filepath.Join(dir, "out.pdf")
	err := Merge(context.Background(), []string{bogus}, nil, out)
	var de *domain.DispatchError
	if !errors.As(err, &de) || de.Code != CodeUnsupportedPDF {
		t.Fatalf("Merge err = %v, want UNSUPPORTED_PDF", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatalf("partial output left behind: %v", statErr)
	}
}

func TestSplitOnePagePerFile(t *testing.T) {
	dir := t.TempDir()
	in := makePDF(t, dir, "in.pdf", 3)
	outDir := t.TempDir()

	outputs, err := Split(context.Background(), in, outDir, "job-1", "")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(outputs) != 3 {
		t.Fatalf("outputs = %d, want 3", len(outputs))
	}
	if !sort.StringsAreSorted(outputs) {
		t.Fatalf("outputs not in page order: %v", outputs)
	}
	for i, out := range outputs {
		want := filepath.Join(outDir, []string{"job-1-page-001.pdf", "job-1-page-002.pdf", "job-1-page-003.pdf"}[i])
		if out != want {
			t.Fatalf("outputs[%d] = %s, want %s", i, out, want)
		}
		if got := mustPageCount(t, out); got != 1 {
			t.Fatalf("%s has %d pages, want 1", out, got)
		}
	}
}

func TestSplitRanges(t *testing.T) {
	dir := t.TempDir()
	in := makePDF(t, dir, "in.pdf", 4)

	outputs, err := Split(context.Background(), in, dir, "job-2", "1-3, 4-")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("outputs = %d, want 2", len(outputs))
	}
	if got := mustPageCount(t, outputs[0]); got != 3 {
		t.Fatalf("first part pages = %d, want 3", got)
	}
	if !strings.HasSuffix(outputs[1], "job-2-part-02.pdf") {
		t.Fatalf("unexpected name: %s", outputs[1])
	}
}

func TestParsePageRangesErrors(t *testing.T) {
	cases := []string{"0", "2-1", "1,,2", "3,1", "1-2,2-3", "x", "1-5"}
	for _, expr := range cases {
		if _, err := parsePageRanges(expr, 4); err == nil {
			t.Fatalf("parsePageRanges(%q) expected error", expr)
		}
	}
}

func TestCompressKeepsPages(t *testing.T) {
	dir := t.TempDir()
	in := makePDF(t, dir, "in.pdf", 2)
	out := filepath.Join(dir, "out.pdf")

	if err := Compress(context.Background(), in, out, CompressOptions{}); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if got := mustPageCount(t, out); got != 2 {
		t.Fatalf("pages = %d, want 2", got)
	}
}

func TestNormalizePreset(t *testing.T) {
	if p, err := NormalizePreset(""); err != nil || p != PresetStandard {
		t.Fatalf("NormalizePreset(\"\") = %v, %v", p, err)
	}
	if p, err := NormalizePreset("AGGRESSIVE"); err != nil || p != PresetAggressive {
		t.Fatalf("NormalizePreset(AGGRESSIVE) = %v, %v", p, err)
	}
	if _, err := NormalizePreset("extreme"); err == nil {
		t.Fatal("expected error for unknown preset")
	}
	args := ghostscriptArgs("out.pdf", "in.pdf", PresetAggressive)
	if args[5] != "-dPDFSETTINGS=/screen" || args[len(args)-1] != "in.pdf" {
		t.Fatalf("unexpected ghostscript args: %v", args)
	}
}

func TestProtectEncrypts(t *testing.T) {
	dir := t.TempDir()
	in := makePDF(t, dir, "in.pdf", 1)
	out := filepath.Join(dir, "secret.pdf")

	if err := Protect(context.Background(), in, out, "s3cret", ""); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if err := pdfapi.ValidateFile(out, nil); err == nil {
		t.Fatal("encrypted file must not open without a password")
	}
	conf := model.NewDefaultConfiguration()
	conf.UserPW = "s3cret"
	conf.OwnerPW = "s3cret"
	if err := pdfapi.ValidateFile(out, conf); err != nil {
		t.Fatalf("ValidateFile with password: %v", err)
	}
}

func TestProtectRequiresPassword(t *testing.T) {
	dir := t.TempDir()
	in := makePDF(t, dir, "in.pdf", 1)
	out := filepath.Join(dir, "secret.pdf")

	err := Protect(context.Background(), in, out, "", "")
	var de *domain.DispatchError
	if !errors.As(err, &de) || de.Code != CodeInvalidInput {
		t.Fatalf("Protect err = %v, want INVALID_INPUT", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Fatal("no output may be produced without encryption")
	}
}

func TestExtractText(t *testing.T) {
	path := testutil.WriteTextPDF(t, t.TempDir(), "Hello PDF")
	text, err := ExtractText(context.Background(), path)
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if !strings.Contains(text, "Hello") {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestReorder(t *testing.T) {
	dir := t.TempDir()
	in := makePDF(t, dir, "in.pdf", 3)
	out := filepath.Join(dir, "reordered.pdf")

	if err := Reorder(context.Background(), in, out, []int{2, 0, 1}); err != nil {
		t.Fatalf("Reorder: %v", err)
	}
	if got := mustPageCount(t, out); got != 3 {
		t.Fatalf("pages = %d, want 3", got)
	}

	for _, order := range [][]int{{0, 1}, {0, 1, 3}, {1, 1, 0}} {
		bad := filepath.Join(dir, "bad.pdf")
		err := Reorder(context.Background(), in, bad, order)
		var de *domain.DispatchError
		if !errors.As(err, &de) || de.Code != CodeInvalidInput {
			t.Fatalf("order %v err = %v, want INVALID_INPUT", order, err)
		}
		if _, statErr := os.Stat(bad); !os.IsNotExist(statErr) {
			t.Fatalf("output written for invalid order %v", order)
		}
	}
}

func TestTextToPDFPaginates(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "text.pdf")

	var lines []string
	for i := 0; i < textLinesPerPage+5; i++ {
		lines = append(lines, "line")
	}
	if err := TextToPDF(context.Background(), strings.Join(lines, "\n"), out); err != nil {
		t.Fatalf("TextToPDF: %v", err)
	}
	if got := mustPageCount(t, out); got != 2 {
		t.Fatalf("pages = %d, want 2", got)
	}

	empty := filepath.Join(dir, "empty.pdf")
	if err := TextToPDF(context.Background(), "", empty); err != nil {
		t.Fatalf("TextToPDF empty: %v", err)
	}
	if got := mustPageCount(t, empty); got != 1 {
		t.Fatalf("empty pages = %d, want 1", got)
	}
}

func TestWrapLines(t *testing.T) {
	got := wrapLines("abcdefg\r\nhi", 3)
	want := []string{"abc", "def", "g", "hi"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("wrapLines = %q, want %q", got, want)
	}
}

func TestEscapePlaceholders(t *testing.T) {
	cases := map[string]string{
		"plain":   "plain",
		"50%":     "50%%",
		"100% ok": "100%% ok",
		"%p":      "%% p",
		"a%%b":    "a%%%b",
	}
	for in, want := range cases {
		if got := escapePlaceholders(in); got != want {
			t.Fatalf("escapePlaceholders(%q) = %q, want %q", in, got, want)
		}
	}
}
