package sheet

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxColumnWidth = 24

// firstSheetRows は input の先頭シートの表示値を行ごとに返します。
func firstSheetRows(ctx context.Context, input string) ([][]string, error) {
	f, err := open(input)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names := f.GetSheetList()
	if len(names) == 0 {
		return nil, newError(CodeInvalidInput, "シートが含まれていません。", nil)
	}
	rows, err := f.GetRows(names[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// ToText は input の先頭シートを列幅をそろえた表形式のテキストにします。
// 列幅は最大 24 文字で、超えるセルは末尾を "~" に置き換えます。
func ToText(ctx context.Context, input string) (string, error) {
	rows, err := firstSheetRows(ctx, input)
	if err != nil {
		return "", err
	}

	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], min(utf8.RuneCountInString(cell), maxColumnWidth))
		}
	}

	var b strings.Builder
	for _, row := range rows {
		cells := make([]string, len(widths))
		for i := range widths {
			var cell string
			if i < len(row) {
				cell = fitCell(row[i])
			}
			cells[i] = cell + strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell))
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, " | "), " "))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func fitCell(cell string) string {
	cell = strings.Join(strings.Fields(cell), " ")
	if utf8.RuneCountInString(cell) <= maxColumnWidth {
		return cell
	}
	return string([]rune(cell)[:maxColumnWidth-1]) + "~"
}
