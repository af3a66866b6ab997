package pdf

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// Preset は Ghostscript 圧縮のプリセットです。
type Preset string

const (
	PresetStandard   Preset = "standard"
	PresetAggressive Preset = "aggressive"
)

// CompressOptions は圧縮の設定です。
// Preset と GhostscriptPath の両方が指定された場合のみ Ghostscript を使い、それ以外は pdfcpu の最適化を行います。
type CompressOptions struct {
	Preset          Preset
	GhostscriptPath string
}

// Compress は input を圧縮して out に書き出します。
func Compress(ctx context.Context, input, out string, opts CompressOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if opts.Preset != "" && opts.GhostscriptPath != "" {
		preset, err := NormalizePreset(string(opts.Preset))
		if err != nil {
			return err
		}
		if err := runGhostscript(ctx, opts.GhostscriptPath, input, out, preset); err != nil {
			removeFiles(out)
			return err
		}
		return nil
	}

	if err := pdfapi.OptimizeFile(input, out, newConfig()); err != nil {
		removeFiles(out)
		return newError(CodeUnsupportedPDF, "PDFの圧縮に失敗しました。ファイルが破損していないか確認してください。", err)
	}
	return nil
}

// NormalizePreset は preset 文字列を検証します。空文字は standard です。
func NormalizePreset(p string) (Preset, error) {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "", string(PresetStandard):
		return PresetStandard, nil
	case string(PresetAggressive):
		return PresetAggressive, nil
	default:
		return "", newError(CodeInvalidInput, fmt.Sprintf("presetには standard または aggressive を指定してください (received: %s)", p), nil)
	}
}

func runGhostscript(ctx context.Context, gsPath, inputPath, outputPath string, preset Preset) error {
	cmd := exec.CommandContext(ctx, gsPath, ghostscriptArgs(outputPath, inputPath, preset)...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return newError(CodeUnsupportedPDF, fmt.Sprintf("Ghostscriptによる圧縮に失敗しました: %s", strings.TrimSpace(stderr.String())), err)
	}
	return nil
}

func ghostscriptArgs(outputPath, inputPath string, preset Preset) []string {
	setting := "/printer"
	if preset == PresetAggressive {
		setting = "/screen"
	}

	return []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.5",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		fmt.Sprintf("-dPDFSETTINGS=%s", setting),
		fmt.Sprintf("-sOutputFile=%s", outputPath),
		inputPath,
	}
}
