// Package sheet は excelize を使ったスプレッドシート処理を提供します。
package sheet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/yourusername/doc-forge/internal/domain"
)

// エラーコード
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeUnsupportedSheet = "UNSUPPORTED_SPREADSHEET"
)

const maxSheetNameLen = 31

func newError(code, message string, err error) error {
	return &domain.DispatchError{Code: code, Message: message, Err: err}
}

func open(path string) (*excelize.File, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, newError(CodeUnsupportedSheet, fmt.Sprintf("スプレッドシートを開けませんでした: %s", filepath.Base(path)), err)
	}
	return f, nil
}

func save(f *excelize.File, out string) error {
	if err := f.SaveAs(out); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

// Merge は inputs の全シートを 1 つのブックにまとめて out に書き出します。
// 同名シートは上書きせず " (2)" のような接尾辞を付けて追加します。
func Merge(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return newError(CodeInvalidInput, "結合するスプレッドシートを指定してください。", nil)
	}

	dst := excelize.NewFile()
	defer dst.Close()
	placeholder := dst.GetSheetName(0)

	used := make(map[string]struct{})
	first := true
	for _, input := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := func() error {
			src, err := open(input)
			if err != nil {
				return err
			}
			defer src.Close()

			for _, name := range src.GetSheetList() {
				target := uniqueSheetName(name, used)
				if first {
					if err := dst.SetSheetName(placeholder, target); err != nil {
						return fmt.Errorf("rename sheet: %w", err)
					}
					first = false
				} else if _, err := dst.NewSheet(target); err != nil {
					return fmt.Errorf("new sheet %q: %w", target, err)
				}
				if err := copyCells(src, name, dst, target); err != nil {
					return err
				}
			}
			return nil
		}(); err != nil {
			return err
		}
	}
	return save(dst, out)
}

// Split は input のシートごとに 1 ファイル（<prefix>-sheet-01.xlsx ...）を書き出し、シート順のパスを返します。
func Split(ctx context.Context, input, outDir, prefix string) (_ []string, err error) {
	src, err := open(input)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	names := src.GetSheetList()
	if len(names) == 0 {
		return nil, newError(CodeInvalidInput, "シートが含まれていません。", nil)
	}
	width := max(2, len(strconv.Itoa(len(names))))

	outputs := make([]string, 0, len(names))
	defer func() {
		if err != nil {
			for _, p := range outputs {
				_ = os.Remove(p)
			}
		}
	}()

	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := filepath.Join(outDir, fmt.Sprintf("%s-sheet-%0*d.xlsx", prefix, width, i+1))
		if err := writeSingleSheet(src, name, out); err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func writeSingleSheet(src *excelize.File, name, out string) error {
	dst := excelize.NewFile()
	defer dst.Close()
	if err := dst.SetSheetName(dst.GetSheetName(0), name); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := copyCells(src, name, dst, name); err != nil {
		return err
	}
	return save(dst, out)
}

// CleanOptions は Clean 後の書式設定です。ゼロ値なら書式は変更しません。
type CleanOptions struct {
	BoldHeader bool    // 各シートの 1 行目を太字にする
	FontSize   float64 // 0 より大きければ使用中の行の文字サイズにする
}

// Clean は全シートの文字列セルの前後空白を除去し、空白のみのセルを空文字にします。
// opts が指定されていれば行単位で書式を上書きします。
func Clean(ctx context.Context, input, out string, opts CleanOptions) error {
	f, err := open(input)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, name := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := eachCell(f, name, func(cell, raw string) error {
			typ, err := f.GetCellType(name, cell)
			if err != nil {
				return fmt.Errorf("cell type %s!%s: %w", name, cell, err)
			}
			if typ != excelize.CellTypeSharedString && typ != excelize.CellTypeInlineString {
				return nil
			}
			if trimmed := strings.TrimSpace(raw); trimmed != raw {
				return f.SetCellStr(name, cell, trimmed)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := formatSheet(f, name, opts); err != nil {
			return err
		}
	}
	return save(f, out)
}

// formatSheet は使用中の行に文字サイズを、1 行目に太字を設定します。
func formatSheet(f *excelize.File, sheet string, opts CleanOptions) error {
	if !opts.BoldHeader && opts.FontSize <= 0 {
		return nil
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return fmt.Errorf("read rows %s: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil
	}

	if opts.FontSize > 0 {
		body, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Size: opts.FontSize}})
		if err != nil {
			return fmt.Errorf("new body style: %w", err)
		}
		if err := f.SetRowStyle(sheet, 1, len(rows), body); err != nil {
			return fmt.Errorf("set row style %s: %w", sheet, err)
		}
	}
	if opts.BoldHeader {
		header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: opts.FontSize}})
		if err != nil {
			return fmt.Errorf("new header style: %w", err)
		}
		if err := f.SetRowStyle(sheet, 1, 1, header); err != nil {
			return fmt.Errorf("set header style %s: %w", sheet, err)
		}
	}
	return nil
}

// copyCells は値の型と数式を保ったまま srcSheet の内容を dstSheet に写します。
func copyCells(src *excelize.File, srcSheet string, dst *excelize.File, dstSheet string) error {
	return eachCell(src, srcSheet, func(cell, raw string) error {
		formula, err := src.GetCellFormula(srcSheet, cell)
		if err != nil {
			return fmt.Errorf("formula %s!%s: %w", srcSheet, cell, err)
		}
		if formula != "" {
			return dst.SetCellFormula(dstSheet, cell, formula)
		}

		typ, err := src.GetCellType(srcSheet, cell)
		if err != nil {
			return fmt.Errorf("cell type %s!%s: %w", srcSheet, cell, err)
		}
		switch typ {
		case excelize.CellTypeBool:
			return dst.SetCellBool(dstSheet, cell, raw == "1" || strings.EqualFold(raw, "true"))
		case excelize.CellTypeNumber, excelize.CellTypeUnset:
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				return dst.SetCellFloat(dstSheet, cell, v, -1, 64)
			}
		}
		return dst.SetCellStr(dstSheet, cell, raw)
	})
}

// eachCell は sheet の空でないセルごとに fn(セル名, 生の値) を呼びます。
func eachCell(f *excelize.File, sheet string, fn func(cell, raw string) error) error {
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return fmt.Errorf("read rows %s: %w", sheet, err)
	}
	for r, row := range rows {
		for c, raw := range row {
			if raw == "" {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return err
			}
			if err := fn(cell, raw); err != nil {
				return err
			}
		}
	}
	return nil
}

// uniqueSheetName は used と衝突しない 31 文字以内のシート名を返し、used に登録します。
func uniqueSheetName(name string, used map[string]struct{}) string {
	candidate := truncateRunes(name, maxSheetNameLen)
	for n := 2; ; n++ {
		key := strings.ToLower(candidate)
		if _, dup := used[key]; !dup {
			used[key] = struct{}{}
			return candidate
		}
		suffix := fmt.Sprintf(" (%d)", n)
		candidate = truncateRunes(name, maxSheetNameLen-len(suffix)) + suffix
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
