package pdf

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageRange は 1 始まりのページ範囲です（End >= Start）。
type PageRange struct {
	Start int
	End   int
}

// Split は input を分割して outDir に書き出し、出力パスを元のページ順で返します。
// rangesExpr が空の場合は 1 ページ 1 ファイル（<prefix>-page-001.pdf ...）、
// 指定された場合は範囲ごとに 1 ファイル（<prefix>-part-01.pdf ...）です。
func Split(ctx context.Context, input, outDir, prefix, rangesExpr string) (_ []string, err error) {
	pages, err := PageCount(input)
	if err != nil {
		return nil, err
	}
	if pages == 0 {
		return nil, newError(CodeInvalidInput, "ページが含まれていないPDFは分割できません。", nil)
	}

	var (
		ranges []PageRange
		label  string
		width  int
	)
	rangesExpr = strings.TrimSpace(rangesExpr)
	if rangesExpr == "" {
		ranges = make([]PageRange, pages)
		for i := range ranges {
			ranges[i] = PageRange{Start: i + 1, End: i + 1}
		}
		label, width = "page", max(3, len(strconv.Itoa(pages)))
	} else {
		if ranges, err = parsePageRanges(rangesExpr, pages); err != nil {
			return nil, err
		}
		label, width = "part", max(2, len(strconv.Itoa(len(ranges))))
	}

	outputs := make([]string, 0, len(ranges))
	defer func() {
		if err != nil {
			removeFiles(outputs...)
		}
	}()

	conf := newConfig()
	for i, pr := range ranges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := pr.Start
		if label == "part" {
			n = i + 1
		}
		out := filepath.Join(outDir, fmt.Sprintf("%s-%s-%0*d.pdf", prefix, label, width, n))
		outputs = append(outputs, out)
		if err := pdfapi.CollectFile(input, out, buildPageSelection(pr), conf); err != nil {
			return nil, newError(CodeUnsupportedPDF, fmt.Sprintf("ページ範囲 %d の生成に失敗しました。", i+1), err)
		}
	}
	return outputs, nil
}

func parsePageRanges(expr string, pageCount int) ([]PageRange, error) {
	segments := strings.Split(expr, ",")
	ranges := make([]PageRange, 0, len(segments))
	lastEnd := 0

	for i, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, newError(CodeInvalidInput, "空の範囲指定が含まれています。", nil)
		}

		start, end, err := parseSingleRange(seg, pageCount)
		if err != nil {
			return nil, err
		}
		if start <= lastEnd {
			return nil, newError(CodeInvalidInput, "ページ範囲は重複なく昇順で指定してください。", nil)
		}
		lastEnd = end
		ranges = append(ranges, PageRange{Start: start, End: end})

		if end == pageCount && i != len(segments)-1 {
			return nil, newError(CodeInvalidInput, "最終ページ指定の後に追加の範囲を指定することはできません。", nil)
		}
	}
	return ranges, nil
}

func parseSingleRange(seg string, pageCount int) (int, int, error) {
	if strings.Contains(seg, "-") {
		parts := strings.SplitN(seg, "-", 2)
		start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return 0, 0, newError(CodeInvalidInput, "範囲開始が整数ではありません。", nil)
		}
		end := pageCount
		if tail := strings.TrimSpace(parts[1]); tail != "" {
			if end, err = strconv.Atoi(tail); err != nil {
				return 0, 0, newError(CodeInvalidInput, "範囲終了が整数ではありません。", nil)
			}
		}
		if start < 1 || end < start || end > pageCount {
			return 0, 0, newError(CodeInvalidInput, "範囲指定がページ数の範囲外です。", nil)
		}
		return start, end, nil
	}

	page, err := strconv.Atoi(seg)
	if err != nil {
		return 0, 0, newError(CodeInvalidInput, "ページ番号が整数ではありません。", nil)
	}
	if page < 1 || page > pageCount {
		return 0, 0, newError(CodeInvalidInput, "ページ番号がページ数の範囲外です。", nil)
	}
	return page, page, nil
}

func buildPageSelection(pr PageRange) []string {
	pages := make([]string, 0, pr.End-pr.Start+1)
	for p := pr.Start; p <= pr.End; p++ {
		pages = append(pages, strconv.Itoa(p))
	}
	return pages
}
