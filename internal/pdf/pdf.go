// Package pdf は pdfcpu を使った PDF 処理（結合・分割・圧縮・暗号化・画像取込）を提供します。
package pdf

import (
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/yourusername/doc-forge/internal/domain"
)

// エラーコード
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeUnsupportedPDF   = "UNSUPPORTED_PDF"
	CodeEncryptionFailed = "ENCRYPTION_FAILED"
)

func newError(code, message string, err error) error {
	return &domain.DispatchError{Code: code, Message: message, Err: err}
}

// newConfig は検証を緩めた pdfcpu 設定を返します。
func newConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

func removeFiles(paths ...string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
