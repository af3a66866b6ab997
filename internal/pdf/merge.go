package pdf

import (
	"context"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// Merge は inputs を order の順に結合して out に書き出します。
// order が nil の場合は入力順です。order は入力インデックスの順列でなければなりません。
func Merge(ctx context.Context, inputs []string, order []int, out string) error {
	if len(inputs) == 0 {
		return newError(CodeInvalidInput, "結合するPDFファイルを指定してください。", nil)
	}
	if order != nil {
		if err := validatePermutation(order, len(inputs), "ファイル数"); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ordered := make([]string, len(inputs))
	for i := range inputs {
		if order == nil {
			ordered[i] = inputs[i]
		} else {
			ordered[i] = inputs[order[i]]
		}
	}

	if err := pdfapi.MergeCreateFile(ordered, out, false, newConfig()); err != nil {
		removeFiles(out)
		return newError(CodeUnsupportedPDF, "PDFの結合に失敗しました。ファイルが破損していないか確認してください。", err)
	}
	return nil
}
