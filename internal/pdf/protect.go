package pdf

import (
	"context"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const aesKeyLength = 256

// Protect は input を AES-256 で暗号化して out に書き出します。
// ownerPassword が空の場合は userPassword を使います。暗号化できなかった場合は必ずエラーを返し、
// 平文のコピーを成果物として残すことはありません。
func Protect(ctx context.Context, input, out, userPassword, ownerPassword string) error {
	if userPassword == "" {
		return newError(CodeInvalidInput, "パスワードを指定してください。", nil)
	}
	if ownerPassword == "" {
		ownerPassword = userPassword
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conf := model.NewAESConfiguration(userPassword, ownerPassword, aesKeyLength)
	conf.ValidationMode = model.ValidationRelaxed
	if err := pdfapi.EncryptFile(input, out, conf); err != nil {
		removeFiles(out)
		return newError(CodeEncryptionFailed, "PDFの暗号化に失敗しました。", err)
	}
	return nil
}
