package word

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// block は段落または表です。
type block struct {
	para  *paragraph
	table [][][]block
}

type paragraph struct {
	heading int
	runs    []run
}

type run struct {
	text   string
	bold   bool
	italic bool
}

func (p *paragraph) empty() bool {
	for _, r := range p.runs {
		if strings.TrimSpace(r.text) != "" {
			return false
		}
	}
	return true
}

// parseDocument は word/document.xml の本文をブロック列に変換します。
func parseDocument(content string) ([]block, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, errors.New("document body not found")
		}
		if err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == "body" {
			return parseBlocks(dec, "body")
		}
	}
}

// parseBlocks は end 要素が閉じるまでの段落と表を読み取ります。
func parseBlocks(dec *xml.Decoder, end string) ([]block, error) {
	var blocks []block
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", end, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				p, err := parseParagraph(dec)
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, block{para: p})
			case "tbl":
				rows, err := parseTable(dec)
				if err != nil {
					return nil, err
				}
				blocks = append(blocks, block{table: rows})
			case "sdt", "sdtContent", "customXml":
				// 内容コントロールの中身は本文として扱う
			default:
				if err := dec.Skip(); err != nil {
					return nil, err
				}
			}
		case xml.EndElement:
			if t.Name.Local == end {
				return blocks, nil
			}
		}
	}
}

func parseTable(dec *xml.Decoder) ([][][]block, error) {
	var rows [][][]block
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode table: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "tr" {
				if err := dec.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			row, err := parseRow(dec)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		case xml.EndElement:
			if t.Name.Local == "tbl" {
				return rows, nil
			}
		}
	}
}

func parseRow(dec *xml.Decoder) ([][]block, error) {
	var cells [][]block
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "tc" {
				if err := dec.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			cell, err := parseBlocks(dec, "tc")
			if err != nil {
				return nil, err
			}
			cells = append(cells, cell)
		case xml.EndElement:
			if t.Name.Local == "tr" {
				return cells, nil
			}
		}
	}
}

func parseParagraph(dec *xml.Decoder) (*paragraph, error) {
	p := &paragraph{}
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode paragraph: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "pStyle":
				p.heading = headingLevel(attr(t, "val"))
				if err := dec.Skip(); err != nil {
					return nil, err
				}
			case "r":
				r, err := parseRun(dec)
				if err != nil {
					return nil, err
				}
				p.runs = append(p.runs, r)
			case "rPr", "del", "instrText":
				if err := dec.Skip(); err != nil {
					return nil, err
				}
			default:
				// hyperlink や ins の中の run も拾う
				depth++
			}
		case xml.EndElement:
			if depth == 0 && t.Name.Local == "p" {
				return p, nil
			}
			depth--
		}
	}
}

func parseRun(dec *xml.Decoder) (run, error) {
	var (
		r    run
		text strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			return r, fmt.Errorf("decode run: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "rPr":
				if err := parseRunProps(dec, &r); err != nil {
					return r, err
				}
			case "t":
				var s string
				if err := dec.DecodeElement(&s, &t); err != nil {
					return r, fmt.Errorf("decode text: %w", err)
				}
				text.WriteString(s)
			case "tab":
				text.WriteByte('\t')
				if err := dec.Skip(); err != nil {
					return r, err
				}
			case "br", "cr":
				text.WriteByte('\n')
				if err := dec.Skip(); err != nil {
					return r, err
				}
			default:
				if err := dec.Skip(); err != nil {
					return r, err
				}
			}
		case xml.EndElement:
			if t.Name.Local == "r" {
				r.text = text.String()
				return r, nil
			}
		}
	}
}

func parseRunProps(dec *xml.Decoder, r *run) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode run properties: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "b":
				r.bold = toggleOn(attr(t, "val"))
			case "i":
				r.italic = toggleOn(attr(t, "val"))
			}
			if err := dec.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			if t.Name.Local == "rPr" {
				return nil
			}
		}
	}
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func toggleOn(val string) bool {
	switch strings.ToLower(val) {
	case "0", "false", "off", "none":
		return false
	}
	return true
}

// headingLevel は "Heading1" / "heading 2" / "Title" を見出しレベルに変換します。見出しでなければ 0 です。
func headingLevel(style string) int {
	s := strings.ToLower(strings.ReplaceAll(style, " ", ""))
	if s == "title" {
		return 1
	}
	rest, ok := strings.CutPrefix(s, "heading")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 || n > 6 {
		return 0
	}
	return n
}
