package pdf

import (
	"context"
	"fmt"
	"strconv"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// Reorder は in のページを order（0 始まりのページ番号の順列）の順に並べ替えて out に書き出します。
func Reorder(ctx context.Context, in, out string, order []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pages, err := PageCount(in)
	if err != nil {
		return err
	}
	if err := validatePermutation(order, pages, "ページ数"); err != nil {
		return err
	}

	selected := make([]string, len(order))
	for i, idx := range order {
		selected[i] = strconv.Itoa(idx + 1)
	}
	if err := pdfapi.CollectFile(in, out, selected, newConfig()); err != nil {
		removeFiles(out)
		return newError(CodeUnsupportedPDF, "PDFのページ入替に失敗しました。ファイルが破損していないか確認してください。", err)
	}
	return nil
}

// validatePermutation は order が 0..count-1 の順列であることを確認します。unit はメッセージ用の単位です。
func validatePermutation(order []int, count int, unit string) error {
	if len(order) != count {
		return newError(CodeInvalidInput, fmt.Sprintf("order配列の長さが%s（%d）と一致していません。", unit, count), nil)
	}

	seen := make([]bool, count)
	for _, idx := range order {
		if idx < 0 || idx >= count {
			return newError(CodeInvalidInput, fmt.Sprintf("order配列に不正な番号 %d が含まれています。", idx), nil)
		}
		if seen[idx] {
			return newError(CodeInvalidInput, "order配列に重複した番号が含まれています。", nil)
		}
		seen[idx] = true
	}
	return nil
}
