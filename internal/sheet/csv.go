package sheet

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

const utf8BOM = "\ufeff"

// ToCSV は input の先頭シートを表示値のまま CSV として out に書き出します。
func ToCSV(ctx context.Context, input, out string) (err error) {
	rows, err := firstSheetRows(ctx, input)
	if err != nil {
		return err
	}

	width := 0
	for _, row := range rows {
		width = max(width, len(row))
	}

	file, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close csv: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(out)
		}
	}()

	w := csv.NewWriter(file)
	for _, row := range rows {
		record := make([]string, width)
		copy(record, row)
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// FromCSV は input の CSV を 1 シートのブックとして out に書き出します。数値に見える値は数値セルになります。
func FromCSV(ctx context.Context, input, out string) error {
	file, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer file.Close()

	br := bufio.NewReader(file)
	if head, err := br.Peek(len(utf8BOM)); err == nil && string(head) == utf8BOM {
		_, _ = br.Discard(len(utf8BOM))
	}
	r := csv.NewReader(br)
	r.FieldsPerRecord = -1

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	for row := 1; ; row++ {
		if row%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return newError(CodeInvalidInput, fmt.Sprintf("CSVの %d 行目を解析できませんでした。", row), err)
		}
		for col, value := range record {
			if value == "" {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return err
			}
			if v, ok := numericValue(value); ok {
				err = f.SetCellFloat(sheet, cell, v, -1, 64)
			} else {
				err = f.SetCellStr(sheet, cell, value)
			}
			if err != nil {
				return fmt.Errorf("set %s: %w", cell, err)
			}
		}
	}
	return save(f, out)
}

// numericValue は先頭ゼロ付きの識別子（"007" など）を数値扱いしません。
func numericValue(s string) (float64, bool) {
	if s == "" || strings.Trim(s, "0123456789.-eE") != "" {
		return 0, false
	}
	digits := strings.TrimPrefix(s, "-")
	if len(digits) > 1 && digits[0] == '0' && digits[1] != '.' {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
