// Package processor はジョブ種別ごとの処理（PDF・スプレッドシート・Word・形式変換）を振り分けます。
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/yourusername/doc-forge/internal/domain"
	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/sheet"
	"github.com/yourusername/doc-forge/internal/word"
)

// エラーコード
const (
	CodeInvalidInput          = "INVALID_INPUT"
	CodeUnsupportedConversion = "UNSUPPORTED_CONVERSION"
	CodeUnknownJobType        = "UNKNOWN_JOB_TYPE"
)

// 作成時検証のエラーコード
const (
	validationFileCount = "INVALID_FILE_COUNT"
	validationOption    = "INVALID_OPTION"
)

// excel-clean の fontSize の範囲
const (
	minFontSize = 6
	maxFontSize = 72
)

func newError(code, message string, err error) error {
	return &domain.DispatchError{Code: code, Message: message, Err: err}
}

// Config はレジストリの設定です。
type Config struct {
	// WorkDir は成果物の出力先です。アップロード先と同じディレクトリを指定します。
	WorkDir         string
	GhostscriptPath string
}

// Registry はジョブ種別から処理を選んで実行します。
type Registry struct {
	workDir string
	gsPath  string
	logger  *slog.Logger
}

// NewRegistry は Registry を生成します。
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{workDir: cfg.WorkDir, gsPath: cfg.GhostscriptPath, logger: logger}
}

// Validate はジョブ作成時に入力数とオプションの形を検証します。
// ファイル内容の検証は Dispatch 時に行われ、不正な場合はジョブが failed になります。
func (r *Registry) Validate(jobType domain.JobType, inputs []string, opts domain.Options) error {
	if len(inputs) == 0 {
		return &domain.ValidationError{Field: "files", Code: validationFileCount, Message: "ファイルを1つ以上指定してください。"}
	}

	switch jobType {
	case domain.JobTypePDFMerge:
		if _, present := opts["order"]; present {
			if _, ok := opts.Ints("order"); !ok {
				return &domain.ValidationError{Field: "order", Code: validationOption, Message: "orderには整数の配列を指定してください。"}
			}
		}
		if _, present := opts["pageOrder"]; present {
			if _, ok := opts.Ints("pageOrder"); !ok {
				return &domain.ValidationError{Field: "pageOrder", Code: validationOption, Message: "pageOrderには整数の配列を指定してください。"}
			}
		}
		return nil
	case domain.JobTypeExcelMerge, domain.JobTypeWordMerge:
		return nil
	case domain.JobTypePDFSplit, domain.JobTypeExcelSplit, domain.JobTypeExcelCSV, domain.JobTypeWordText:
		return requireSingle(inputs)
	case domain.JobTypeExcelClean:
		if err := requireSingle(inputs); err != nil {
			return err
		}
		if _, present := opts["fontSize"]; present {
			if size, ok := opts.Float("fontSize"); !ok || size < minFontSize || size > maxFontSize {
				return &domain.ValidationError{Field: "fontSize", Code: validationOption, Message: "fontSizeには6から72の数値を指定してください。"}
			}
		}
		return nil
	case domain.JobTypePDFCompress:
		if err := requireSingle(inputs); err != nil {
			return err
		}
		if _, err := pdf.NormalizePreset(opts.String("preset")); err != nil {
			return &domain.ValidationError{Field: "preset", Code: validationOption, Message: "presetには standard または aggressive を指定してください。"}
		}
		return nil
	case domain.JobTypePDFProtect:
		if err := requireSingle(inputs); err != nil {
			return err
		}
		if opts.String("password") == "" {
			return &domain.ValidationError{Field: "password", Code: validationOption, Message: "パスワードを指定してください。"}
		}
		return nil
	case domain.JobTypeWordHTML:
		if err := requireSingle(inputs); err != nil {
			return err
		}
		if find := opts.String("find"); find != "" && opts.Bool("regex") {
			if _, err := regexp.Compile(find); err != nil {
				return &domain.ValidationError{Field: "find", Code: validationOption, Message: "正規表現が不正です。"}
			}
		}
		return nil
	case domain.JobTypeConvert:
		if opts.String("toFormat") == "" {
			return &domain.ValidationError{Field: "toFormat", Code: validationOption, Message: "変換先の形式を指定してください。"}
		}
		return nil
	default:
		return &domain.ValidationError{Field: "type", Code: CodeUnknownJobType, Message: fmt.Sprintf("unknown job type %q", jobType)}
	}
}

func requireSingle(inputs []string) error {
	if len(inputs) != 1 {
		return &domain.ValidationError{Field: "files", Code: validationFileCount, Message: "このジョブにはファイルを1つだけ指定してください。"}
	}
	return nil
}

// Dispatch は jobType の処理を実行し、成果物のパスを返します。
// 失敗した場合は *domain.DispatchError を返し、処理が作りかけた成果物は残しません。
func (r *Registry) Dispatch(ctx context.Context, jobID string, jobType domain.JobType, inputs []string, opts domain.Options) ([]string, error) {
	if err := r.Validate(jobType, inputs, opts); err != nil {
		code, message := CodeInvalidInput, err.Error()
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			message = ve.Message
			if ve.Code == CodeUnknownJobType {
				code = CodeUnknownJobType
			}
		}
		return nil, newError(code, message, err)
	}
	r.logger.Debug("dispatch", "job_id", jobID, "type", jobType, "inputs", len(inputs))

	switch jobType {
	case domain.JobTypePDFMerge:
		if err := requireFormat(inputs, FormatPDF); err != nil {
			return nil, err
		}
		order, _ := opts.Ints("order")
		pageOrder, reorder := opts.Ints("pageOrder")
		return r.single(jobID, "pdf", func(out string) error {
			if !reorder {
				return pdf.Merge(ctx, inputs, order, out)
			}
			merged := out + ".merged"
			defer os.Remove(merged)
			if err := pdf.Merge(ctx, inputs, order, merged); err != nil {
				return err
			}
			return pdf.Reorder(ctx, merged, out, pageOrder)
		})

	case domain.JobTypePDFSplit:
		if err := requireFormat(inputs, FormatPDF); err != nil {
			return nil, err
		}
		return pdf.Split(ctx, inputs[0], r.workDir, jobID, opts.String("ranges"))

	case domain.JobTypePDFCompress:
		if err := requireFormat(inputs, FormatPDF); err != nil {
			return nil, err
		}
		copts := pdf.CompressOptions{Preset: pdf.Preset(opts.String("preset")), GhostscriptPath: r.gsPath}
		return r.single(jobID, "pdf", func(out string) error {
			return pdf.Compress(ctx, inputs[0], out, copts)
		})

	case domain.JobTypePDFProtect:
		if err := requireFormat(inputs, FormatPDF); err != nil {
			return nil, err
		}
		return r.single(jobID, "pdf", func(out string) error {
			return pdf.Protect(ctx, inputs[0], out, opts.String("password"), opts.String("ownerPassword"))
		})

	case domain.JobTypeExcelMerge:
		if err := requireFormat(inputs, FormatXLSX); err != nil {
			return nil, err
		}
		return r.single(jobID, "xlsx", func(out string) error {
			return sheet.Merge(ctx, inputs, out)
		})

	case domain.JobTypeExcelSplit:
		if err := requireFormat(inputs, FormatXLSX); err != nil {
			return nil, err
		}
		return sheet.Split(ctx, inputs[0], r.workDir, jobID)

	case domain.JobTypeExcelCSV:
		if err := requireFormat(inputs, FormatXLSX); err != nil {
			return nil, err
		}
		return r.single(jobID, "csv", func(out string) error {
			return sheet.ToCSV(ctx, inputs[0], out)
		})

	case domain.JobTypeExcelClean:
		if err := requireFormat(inputs, FormatXLSX); err != nil {
			return nil, err
		}
		copts := sheet.CleanOptions{BoldHeader: opts.Bool("boldHeader")}
		copts.FontSize, _ = opts.Float("fontSize")
		return r.single(jobID, "xlsx", func(out string) error {
			return sheet.Clean(ctx, inputs[0], out, copts)
		})

	case domain.JobTypeWordMerge:
		if err := requireFormat(inputs, FormatDOCX); err != nil {
			return nil, err
		}
		return r.single(jobID, "html", func(out string) error {
			merged, err := word.Merge(ctx, inputs)
			if err != nil {
				return err
			}
			return word.SaveHTML(out, merged)
		})

	case domain.JobTypeWordHTML:
		if err := requireFormat(inputs, FormatDOCX); err != nil {
			return nil, err
		}
		return r.single(jobID, "html", func(out string) error {
			markup, err := word.ToHTML(ctx, inputs[0])
			if err != nil {
				return err
			}
			if find := opts.String("find"); find != "" {
				if markup, err = word.FindReplace(markup, find, opts.String("replace"), opts.Bool("regex")); err != nil {
					return err
				}
			}
			return word.SaveHTML(out, markup)
		})

	case domain.JobTypeWordText:
		if err := requireFormat(inputs, FormatDOCX); err != nil {
			return nil, err
		}
		return r.single(jobID, "txt", func(out string) error {
			text, err := word.ToText(ctx, inputs[0])
			if err != nil {
				return err
			}
			return word.SaveText(out, text)
		})

	case domain.JobTypeConvert:
		return r.convert(ctx, jobID, inputs, opts)

	default:
		return nil, newError(CodeUnknownJobType, fmt.Sprintf("unknown job type %q", jobType), nil)
	}
}

// single は output-<jobID>.<ext> を 1 つだけ生成する処理を実行します。
func (r *Registry) single(jobID, ext string, run func(out string) error) ([]string, error) {
	out := r.outputPath(jobID, ext)
	if err := run(out); err != nil {
		_ = os.Remove(out)
		return nil, err
	}
	return []string{out}, nil
}

func (r *Registry) outputPath(jobID, ext string) string {
	return filepath.Join(r.workDir, fmt.Sprintf("output-%s.%s", jobID, ext))
}
