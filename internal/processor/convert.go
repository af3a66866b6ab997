package processor

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"github.com/yourusername/doc-forge/internal/domain"
	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/sheet"
	"github.com/yourusername/doc-forge/internal/word"
)

const jpegQuality = 90

type conversion struct {
	from Format
	to   Format
}

// converter は inputs を out に変換します。multi が false の場合、入力は 1 つだけです。
type converter struct {
	accept []Format
	multi  bool
	run    func(ctx context.Context, inputs []string, out string) error
}

var conversions = map[conversion]converter{
	{FormatPDF, FormatText}: {
		accept: []Format{FormatPDF},
		run: func(ctx context.Context, inputs []string, out string) error {
			text, err := pdf.ExtractText(ctx, inputs[0])
			if err != nil {
				return err
			}
			return word.SaveText(out, text)
		},
	},
	{FormatJPEG, FormatPDF}: imagesToPDF,
	{FormatPNG, FormatPDF}:  imagesToPDF,
	{FormatPNG, FormatJPEG}: {
		accept: []Format{FormatPNG},
		run: func(_ context.Context, inputs []string, out string) error {
			return transcodeImage(inputs[0], out, FormatJPEG)
		},
	},
	{FormatJPEG, FormatPNG}: {
		accept: []Format{FormatJPEG},
		run: func(_ context.Context, inputs []string, out string) error {
			return transcodeImage(inputs[0], out, FormatPNG)
		},
	},
	{FormatXLSX, FormatCSV}: {
		accept: []Format{FormatXLSX},
		run: func(ctx context.Context, inputs []string, out string) error {
			return sheet.ToCSV(ctx, inputs[0], out)
		},
	},
	{FormatCSV, FormatXLSX}: {
		accept: []Format{FormatCSV},
		run: func(ctx context.Context, inputs []string, out string) error {
			return sheet.FromCSV(ctx, inputs[0], out)
		},
	},
	{FormatDOCX, FormatHTML}: {
		accept: []Format{FormatDOCX},
		run: func(ctx context.Context, inputs []string, out string) error {
			markup, err := word.ToHTML(ctx, inputs[0])
			if err != nil {
				return err
			}
			return word.SaveHTML(out, markup)
		},
	},
	{FormatDOCX, FormatText}: {
		accept: []Format{FormatDOCX},
		run: func(ctx context.Context, inputs []string, out string) error {
			text, err := word.ToText(ctx, inputs[0])
			if err != nil {
				return err
			}
			return word.SaveText(out, text)
		},
	},
	{FormatDOCX, FormatPDF}: {
		accept: []Format{FormatDOCX},
		run: func(ctx context.Context, inputs []string, out string) error {
			text, err := word.ToText(ctx, inputs[0])
			if err != nil {
				return err
			}
			return pdf.TextToPDF(ctx, text, out)
		},
	},
	{FormatXLSX, FormatPDF}: {
		accept: []Format{FormatXLSX},
		run: func(ctx context.Context, inputs []string, out string) error {
			text, err := sheet.ToText(ctx, inputs[0])
			if err != nil {
				return err
			}
			return pdf.TextToPDF(ctx, text, out)
		},
	},
}

var imagesToPDF = converter{
	accept: []Format{FormatPNG, FormatJPEG},
	multi:  true,
	run:    pdf.ImagesToPDF,
}

// SupportedConversion は from から to への変換に対応しているかを返します。
func SupportedConversion(from, to string) bool {
	_, ok := conversions[conversion{NormalizeFormat(from), NormalizeFormat(to)}]
	return ok
}

// convert は fromFormat / toFormat オプションに従って変換します。
// fromFormat が省略された場合は先頭の入力ファイルの拡張子を使います。
func (r *Registry) convert(ctx context.Context, jobID string, inputs []string, opts domain.Options) ([]string, error) {
	from := NormalizeFormat(opts.String("fromFormat"))
	if from == "" {
		from = NormalizeFormat(filepath.Ext(inputs[0]))
	}
	to := NormalizeFormat(opts.String("toFormat"))

	conv, ok := conversions[conversion{from, to}]
	if !ok {
		return nil, newError(CodeUnsupportedConversion, fmt.Sprintf("%s から %s への変換には対応していません (conversion from %s to %s is not supported)", from, to, from, to), nil)
	}
	if !conv.multi && len(inputs) != 1 {
		return nil, newError(CodeInvalidInput, "この変換にはファイルを1つだけ指定してください。", nil)
	}
	if err := requireFormat(inputs, conv.accept...); err != nil {
		return nil, err
	}
	return r.single(jobID, string(to), func(out string) error {
		return conv.run(ctx, inputs, out)
	})
}

func transcodeImage(input, out string, to Format) (err error) {
	in, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer in.Close()

	img, _, err := image.Decode(in)
	if err != nil {
		return newError(CodeInvalidInput, "画像を読み込めませんでした。", err)
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close image: %w", cerr)
		}
	}()

	switch to {
	case FormatJPEG:
		// JPEG は透過を持てないため白背景に合成する
		flat := image.NewRGBA(img.Bounds())
		draw.Draw(flat, flat.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
		draw.Draw(flat, flat.Bounds(), img, img.Bounds().Min, draw.Over)
		err = jpeg.Encode(f, flat, &jpeg.Options{Quality: jpegQuality})
	default:
		err = png.Encode(f, img)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", to, err)
	}
	return nil
}
