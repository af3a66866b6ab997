package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	ledongpdf "github.com/ledongthuc/pdf"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
)

// PageCount は path のページ数を返します。
func PageCount(path string) (int, error) {
	n, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0, newError(CodeUnsupportedPDF, "PDFの読み込みに失敗しました。ファイルが破損していないか確認してください。", err)
	}
	return n, nil
}

// ExtractText は input からプレーンテキストを抽出します。
func ExtractText(ctx context.Context, input string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}

	reader, err := ledongpdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", newError(CodeUnsupportedPDF, "PDFの読み込みに失敗しました。", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", newError(CodeUnsupportedPDF, "PDFからテキストを抽出できませんでした。", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("read plain text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// ImagesToPDF は images を 1 画像 1 ページとして out に書き出します。
func ImagesToPDF(ctx context.Context, images []string, out string) error {
	if len(images) == 0 {
		return newError(CodeInvalidInput, "画像ファイルを指定してください。", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pdfapi.ImportImagesFile(images, out, pdfcpu.DefaultImportConfig(), newConfig()); err != nil {
		removeFiles(out)
		return newError(CodeInvalidInput, "画像をPDFに変換できませんでした。", err)
	}
	return nil
}
