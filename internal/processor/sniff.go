package processor

import (
	"archive/zip"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Format はファイル内容から判定した形式です。
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpg"
	FormatXLSX Format = "xlsx"
	FormatDOCX Format = "docx"
	FormatCSV  Format = "csv"
	FormatText Format = "txt"
	FormatHTML Format = "html"
)

const (
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// NormalizeFormat は拡張子や形式名（".JPEG" など）を Format に揃えます。
func NormalizeFormat(raw string) Format {
	f := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "."))
	switch f {
	case "jpeg":
		return FormatJPEG
	case "htm":
		return FormatHTML
	}
	return Format(f)
}

// detect はファイル先頭のバイト列から形式を判定します。判定できない場合は空文字です。
func detect(path string) (Format, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect %s: %w", filepath.Base(path), err)
	}

	for m := mtype; m != nil; m = m.Parent() {
		switch {
		case m.Is("application/pdf"):
			return FormatPDF, nil
		case m.Is("image/png"):
			return FormatPNG, nil
		case m.Is("image/jpeg"):
			return FormatJPEG, nil
		case m.Is(mimeXLSX):
			return FormatXLSX, nil
		case m.Is(mimeDOCX):
			return FormatDOCX, nil
		case m.Is("application/zip"):
			// エントリ順によっては OOXML と判定されないため中身を確認する
			return ooxmlFromZip(path), nil
		case m.Is("text/csv"):
			return FormatCSV, nil
		case m.Is("text/html"):
			return FormatHTML, nil
		case m.Is("text/plain"):
			if NormalizeFormat(filepath.Ext(path)) == FormatCSV {
				return FormatCSV, nil
			}
			return FormatText, nil
		}
	}
	return "", nil
}

func ooxmlFromZip(path string) Format {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return ""
	}
	defer zr.Close()

	for _, f := range zr.File {
		switch strings.ReplaceAll(f.Name, "\\", "/") {
		case "word/document.xml":
			return FormatDOCX
		case "xl/workbook.xml":
			return FormatXLSX
		}
	}
	return ""
}

// requireFormat は inputs がすべて allowed のいずれかであることを確認します。
func requireFormat(inputs []string, allowed ...Format) error {
	for i, input := range inputs {
		got, err := detect(input)
		if err != nil {
			return newError(CodeInvalidInput, fmt.Sprintf("%d 番目のファイルを読み込めませんでした。", i+1), err)
		}
		ok := false
		for _, want := range allowed {
			if got == want {
				ok = true
				break
			}
		}
		if !ok {
			return newError(CodeInvalidInput, fmt.Sprintf("%d 番目のファイル形式が不正です（期待: %s）。", i+1, joinFormats(allowed)), nil)
		}
	}
	return nil
}

func joinFormats(formats []Format) string {
	parts := make([]string, len(formats))
	for i, f := range formats {
		parts[i] = string(f)
	}
	return strings.Join(parts, ", ")
}
