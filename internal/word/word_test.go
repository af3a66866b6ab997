package word

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yourusername/doc-forge/internal/domain"
	"github.com/yourusername/doc-forge/internal/testutil"
)

func sampleDoc(t *testing.T, dir, name string) string {
	t.Helper()
	return testutil.WriteDocx(t, dir, name,
		testutil.Paragraph{Style: "Heading1", Text: "Quarterly Report"},
		testutil.Paragraph{Text: "Revenue grew by 5% & costs fell."},
		testutil.Paragraph{Text: "Important", Bold: true},
	)
}

func TestToHTML(t *testing.T) {
	path := sampleDoc(t, t.TempDir(), "report.docx")

	got, err := ToHTML(context.Background(), path)
	if err != nil {
		t.Fatalf("ToHTML: %v", err)
	}
	want := "<h1>Quarterly Report</h1>\n<p>Revenue grew by 5% &amp; costs fell.</p>\n<p><strong>Important</strong></p>"
	if got != want {
		t.Fatalf("ToHTML =\n%s\nwant\n%s", got, want)
	}
}

func TestToText(t *testing.T) {
	path := sampleDoc(t, t.TempDir(), "report.docx")

	got, err := ToText(context.Background(), path)
	if err != nil {
		t.Fatalf("ToText: %v", err)
	}
	want := "Quarterly Report\n\nRevenue grew by 5% & costs fell.\n\nImportant"
	if got != want {
		t.Fatalf("ToText = %q, want %q", got, want)
	}
}

func TestMergeSeparatesDocumentsInOrder(t *testing.T) {
	dir := t.TempDir()
	a := testutil.WriteDocx(t, dir, "a.docx", testutil.Paragraph{Text: "first"})
	b := testutil.WriteDocx(t, dir, "b.docx", testutil.Paragraph{Text: "second"})

	got, err := Merge(context.Background(), []string{b, a})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got != "<p>second</p>"+Separator+"<p>first</p>" {
		t.Fatalf("Merge = %q", got)
	}
}

func TestLoadRejectsNonDocx(t *testing.T) {
	dir := t.TempDir()
	bogus := filepath.Join(dir, "bogus.docx")
	if err := os.WriteFile(bogus, []byte("not a zip"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := ToHTML(context.Background(), bogus)
	var de *domain.DispatchError
	if !errors.As(err, &de) || de.Code != CodeUnsupportedDocument {
		t.Fatalf("ToHTML err = %v, want UNSUPPORTED_DOCUMENT", err)
	}
}

func TestFindReplace(t *testing.T) {
	markup := "<p>cat and cat</p>"

	got, err := FindReplace(markup, "cat", "dog", false)
	if err != nil || got != "<p>dog and dog</p>" {
		t.Fatalf("literal = %q, %v", got, err)
	}
	got, err = FindReplace(markup, `c(a)t`, "b${1}t", true)
	if err != nil || got != "<p>bat and bat</p>" {
		t.Fatalf("regex = %q, %v", got, err)
	}
	if _, err := FindReplace(markup, "(", "x", true); err == nil {
		t.Fatal("expected error for invalid regex")
	}
	if _, err := FindReplace(markup, "", "x", false); err == nil {
		t.Fatal("expected error for empty search")
	}
}

func TestParseDocumentTablesAndBreaks(t *testing.T) {
	content := `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:pPr><w:pStyle w:val="Heading2"/></w:pPr><w:r><w:t>Items</w:t></w:r></w:p>
<w:tbl><w:tblPr/><w:tr><w:tc><w:p><w:r><w:t>a</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:rPr><w:i/></w:rPr><w:t>b</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
<w:p><w:hyperlink><w:r><w:t>line1</w:t><w:br/><w:t>line2</w:t></w:r></w:hyperlink></w:p>
<w:p><w:r><w:rPr><w:b w:val="0"/></w:rPr><w:t>plain</w:t></w:r></w:p>
<w:sectPr/></w:body></w:document>`

	blocks, err := parseDocument(content)
	if err != nil {
		t.Fatalf("parseDocument: %v", err)
	}
	var b strings.Builder
	writeHTML(&b, blocks)
	want := "<h2>Items</h2>\n<table>\n<tr><td><p>a</p></td><td><p><em>b</em></p></td></tr>\n</table>\n<p>line1<br />line2</p>\n<p>plain</p>\n"
	if b.String() != want {
		t.Fatalf("html =\n%s\nwant\n%s", b.String(), want)
	}

	var parts []string
	collectText(&parts, blocks)
	if got := strings.Join(parts, "\n\n"); got != "Items\n\na\tb\n\nline1\nline2\n\nplain" {
		t.Fatalf("text = %q", got)
	}
}

func TestHeadingLevel(t *testing.T) {
	cases := map[string]int{"Heading1": 1, "heading 3": 3, "Title": 1, "Heading9": 0, "Normal": 0, "": 0}
	for style, want := range cases {
		if got := headingLevel(style); got != want {
			t.Fatalf("headingLevel(%q) = %d, want %d", style, got, want)
		}
	}
}

func TestSaveHTMLWrapsFragment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.html")
	if err := SaveHTML(out, "<p>x</p>"); err != nil {
		t.Fatalf("SaveHTML: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasPrefix(string(data), "<!DOCTYPE html>") || !strings.Contains(string(data), "<p>x</p>") {
		t.Fatalf("unexpected document: %s", data)
	}
}
