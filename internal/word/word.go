// Package word は DOCX 文書を HTML / プレーンテキストに変換します。
package word

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nguyenthenguyen/docx"

	"github.com/yourusername/doc-forge/internal/domain"
)

// エラーコード
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeUnsupportedDocument = "UNSUPPORTED_DOCUMENT"
)

// Separator は Merge で文書間に挿入する区切りです。
const Separator = "\n<hr />\n"

func newError(code, message string, err error) error {
	return &domain.DispatchError{Code: code, Message: message, Err: err}
}

func load(ctx context.Context, path string) ([]block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, newError(CodeUnsupportedDocument, fmt.Sprintf("Word文書を開けませんでした: %s", filepath.Base(path)), err)
	}
	content := r.Editable().GetContent()
	if err := r.Close(); err != nil {
		return nil, fmt.Errorf("close docx: %w", err)
	}

	blocks, err := parseDocument(content)
	if err != nil {
		return nil, newError(CodeUnsupportedDocument, fmt.Sprintf("Word文書の本文を解析できませんでした: %s", filepath.Base(path)), err)
	}
	return blocks, nil
}

// ToHTML は input の本文を HTML 断片に変換します。
func ToHTML(ctx context.Context, input string) (string, error) {
	blocks, err := load(ctx, input)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	writeHTML(&b, blocks)
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// ToText は input の本文をプレーンテキストに変換します。段落は空行で区切られます。
func ToText(ctx context.Context, input string) (string, error) {
	blocks, err := load(ctx, input)
	if err != nil {
		return "", err
	}
	var parts []string
	collectText(&parts, blocks)
	return strings.Join(parts, "\n\n"), nil
}

// Merge は inputs をそれぞれ HTML に変換し、入力順に Separator で連結します。
func Merge(ctx context.Context, inputs []string) (string, error) {
	if len(inputs) == 0 {
		return "", newError(CodeInvalidInput, "結合するWord文書を指定してください。", nil)
	}
	docs := make([]string, 0, len(inputs))
	for _, input := range inputs {
		h, err := ToHTML(ctx, input)
		if err != nil {
			return "", err
		}
		docs = append(docs, h)
	}
	return strings.Join(docs, Separator), nil
}

// FindReplace は変換済みの HTML に対して置換を行います。元の DOCX は変更しません。
// useRegex が true の場合 find は正規表現で、replace 内の $1 などが展開されます。
func FindReplace(markup, find, replace string, useRegex bool) (string, error) {
	if find == "" {
		return "", newError(CodeInvalidInput, "検索文字列を指定してください。", nil)
	}
	if !useRegex {
		return strings.ReplaceAll(markup, find, replace), nil
	}
	re, err := regexp.Compile(find)
	if err != nil {
		return "", newError(CodeInvalidInput, fmt.Sprintf("正規表現が不正です: %s", find), err)
	}
	return re.ReplaceAllString(markup, replace), nil
}

// SaveHTML は HTML 断片を UTF-8 の HTML 文書として out に書き出します。
func SaveHTML(out, fragment string) error {
	doc := "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"></head>\n<body>\n" + fragment + "\n</body>\n</html>\n"
	return writeFile(out, doc)
}

// SaveText は text を out に書き出します。
func SaveText(out, text string) error {
	return writeFile(out, text)
}

func writeFile(out, data string) error {
	if err := os.WriteFile(out, []byte(data), 0o640); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("write %s: %w", filepath.Base(out), err)
	}
	return nil
}

func writeHTML(b *strings.Builder, blocks []block) {
	for _, blk := range blocks {
		if blk.para != nil {
			writeParagraphHTML(b, blk.para)
			continue
		}
		b.WriteString("<table>\n")
		for _, row := range blk.table {
			b.WriteString("<tr>")
			for _, cell := range row {
				var inner strings.Builder
				writeHTML(&inner, cell)
				b.WriteString("<td>")
				b.WriteString(strings.TrimSuffix(inner.String(), "\n"))
				b.WriteString("</td>")
			}
			b.WriteString("</tr>\n")
		}
		b.WriteString("</table>\n")
	}
}

func writeParagraphHTML(b *strings.Builder, p *paragraph) {
	if p.empty() {
		return
	}
	tag := "p"
	if p.heading > 0 {
		tag = fmt.Sprintf("h%d", p.heading)
	}
	b.WriteString("<" + tag + ">")
	for _, r := range p.runs {
		text := strings.ReplaceAll(html.EscapeString(r.text), "\n", "<br />")
		if r.italic {
			text = "<em>" + text + "</em>"
		}
		if r.bold {
			text = "<strong>" + text + "</strong>"
		}
		b.WriteString(text)
	}
	b.WriteString("</" + tag + ">\n")
}

func collectText(parts *[]string, blocks []block) {
	for _, blk := range blocks {
		if blk.para != nil {
			if !blk.para.empty() {
				*parts = append(*parts, paragraphText(blk.para))
			}
			continue
		}
		rows := make([]string, 0, len(blk.table))
		for _, row := range blk.table {
			cells := make([]string, 0, len(row))
			for _, cell := range row {
				var inner []string
				collectText(&inner, cell)
				cells = append(cells, strings.Join(inner, " "))
			}
			rows = append(rows, strings.Join(cells, "\t"))
		}
		*parts = append(*parts, strings.Join(rows, "\n"))
	}
}

func paragraphText(p *paragraph) string {
	var b strings.Builder
	for _, r := range p.runs {
		b.WriteString(r.text)
	}
	return b.String()
}
