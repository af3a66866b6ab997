package pdf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// A4 縦・Courier 9pt で 1 ページに収まる行数と 1 行の文字数
const (
	textLinesPerPage = 64
	textLineWidth    = 90
	textFontSize     = 9
	textMargin       = 36
)

type textFont struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type textMarginSpec struct {
	Width float64 `json:"width"`
}

type textBox struct {
	Value  string   `json:"value"`
	Anchor string   `json:"anchor"`
	Font   textFont `json:"font"`
}

type textContent struct {
	Text []textBox `json:"text"`
}

type textPage struct {
	Margin  textMarginSpec `json:"margin"`
	Content textContent    `json:"content"`
}

type textDocument struct {
	Paper  string              `json:"paper"`
	Origin string              `json:"origin"`
	Pages  map[string]textPage `json:"pages"`
}

// TextToPDF は text を等幅フォントで A4 ページに流し込み、out に書き出します。
// 長い行は折り返し、ページに収まらない分は次のページに送ります。
func TextToPDF(ctx context.Context, text, out string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	pages := paginate(wrapLines(text, textLineWidth), textLinesPerPage)
	doc := textDocument{
		Paper:  "A4P",
		Origin: "UpperLeft",
		Pages:  make(map[string]textPage, len(pages)),
	}
	for i, lines := range pages {
		doc.Pages[strconv.Itoa(i+1)] = textPage{
			Margin: textMarginSpec{Width: textMargin},
			Content: textContent{Text: []textBox{{
				Value:  escapePlaceholders(strings.Join(lines, "\n")),
				Anchor: "topLeft",
				Font:   textFont{Name: "Courier", Size: textFontSize},
			}}},
		}
	}
	layout, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode layout: %w", err)
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create pdf: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close pdf: %w", cerr)
		}
		if err != nil {
			removeFiles(out)
		}
	}()

	if err := pdfapi.Create(nil, bytes.NewReader(layout), f, newConfig()); err != nil {
		return newError(CodeInvalidInput, "テキストをPDFに変換できませんでした。", err)
	}
	return nil
}

// wrapLines は text を行に分け、width 文字を超える行を折り返します。
func wrapLines(text string, width int) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.ReplaceAll(line, "\t", "    ")
		runes := []rune(line)
		for len(runes) > width {
			lines = append(lines, string(runes[:width]))
			runes = runes[width:]
		}
		lines = append(lines, string(runes))
	}
	return lines
}

// paginate は lines を perPage 行ずつに分けます。空の文書でも 1 ページ返します。
func paginate(lines []string, perPage int) [][]string {
	var pages [][]string
	for len(lines) > perPage {
		pages = append(pages, lines[:perPage])
		lines = lines[perPage:]
	}
	if len(lines) == 0 {
		lines = []string{" "}
	}
	return append(pages, lines)
}

// escapePlaceholders は pdfcpu が %p / %P / %t / %v を置換しないよう % をエスケープします。
// pdfcpu は連続する n 個の % を n-1 個として出力するため、各連続部分に % を 1 つ足します。
// 置換対象の文字が続く場合は間に空白を挟みます。
func escapePlaceholders(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		for i < len(s) && s[i] == '%' {
			b.WriteByte('%')
			i++
		}
		b.WriteByte('%')
		if i < len(s) && strings.IndexByte("pPtv", s[i]) >= 0 {
			b.WriteByte(' ')
		}
		i--
	}
	return b.String()
}
