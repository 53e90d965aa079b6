// Package record implements the delimited text format the SpoolEase device
// emits for its spool catalog: RFC-4180 style CSV with a header row. Field
// order is whatever the firmware sends; columns are matched by name. The
// header names are fixed by the firmware and must not be changed.
package record

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Header column names pinned to the device firmware.
const (
	ColID              = "id"
	ColTagID           = "tag_id"
	ColMaterial        = "material"
	ColBrand           = "brand"
	ColColorName       = "color_name"
	ColColorHex        = "color_hex"
	ColNominalWeight   = "nominal_weight"
	ColEmptyWeight     = "empty_weight"
	ColRemainingWeight = "remaining_weight"
)

// serializeHeader is the column order this side emits. Parsing does not
// depend on it.
var serializeHeader = []string{
	ColID, ColTagID, ColMaterial, ColBrand, ColColorName, ColColorHex,
	ColNominalWeight, ColEmptyWeight, ColRemainingWeight,
}

// DeviceRecord is one spool as known to the device.
//
// TagID is the only stable cross-system identity. DeviceID is the device's
// local numeric id and may be reused after deletion.
type DeviceRecord struct {
	DeviceID      int64
	TagID         string
	Material      string
	Brand         string
	ColorName     string
	ColorHex      string
	NominalWeight float64
	EmptyWeight   float64
	Remaining     float64
}

// HasValidTag reports whether the record carries a usable tag identity.
// The firmware marks a tag as invalidated (moved to another spool) by
// prefixing it with '-'.
func (r DeviceRecord) HasValidTag() bool {
	return r.TagID != "" && !strings.HasPrefix(r.TagID, "-")
}

// ParseError describes a single malformed record line. Well-formed records
// in the same batch still take effect.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("record: line %d: %s", e.Line, e.Reason)
}

// Parse reads the device catalog from r. It returns every well-formed
// record plus one ParseError per malformed line. The returned error is
// non-nil only when the stream as a whole is unusable (unreadable or
// missing required header columns).
func Parse(r io.Reader) ([]DeviceRecord, []*ParseError, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("record: reading header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{ColTagID, ColMaterial, ColNominalWeight, ColRemainingWeight} {
		if _, ok := cols[required]; !ok {
			return nil, nil, fmt.Errorf("record: header is missing column %q", required)
		}
	}

	var (
		records  []DeviceRecord
		parseErr []*ParseError
	)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			line := 0
			if ce, ok := err.(*csv.ParseError); ok {
				line = ce.Line
			}
			parseErr = append(parseErr, &ParseError{Line: line, Reason: err.Error()})
			continue
		}
		line, _ := cr.FieldPos(0)
		rec, perr := parseRow(row, cols, line)
		if perr != nil {
			parseErr = append(parseErr, perr)
			continue
		}
		records = append(records, rec)
	}
	return records, parseErr, nil
}

// ParseString is Parse over an in-memory document.
func ParseString(s string) ([]DeviceRecord, []*ParseError, error) {
	return Parse(strings.NewReader(s))
}

func parseRow(row []string, cols map[string]int, line int) (DeviceRecord, *ParseError) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	rec := DeviceRecord{
		TagID:     field(ColTagID),
		Material:  field(ColMaterial),
		Brand:     field(ColBrand),
		ColorName: field(ColColorName),
	}

	var err error
	if raw := field(ColID); raw != "" {
		rec.DeviceID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return rec, &ParseError{Line: line, Reason: fmt.Sprintf("bad %s %q", ColID, raw)}
		}
	}

	if rec.ColorHex, err = normalizeColorHex(field(ColColorHex)); err != nil {
		return rec, &ParseError{Line: line, Reason: err.Error()}
	}

	weights := []struct {
		col string
		dst *float64
	}{
		{ColNominalWeight, &rec.NominalWeight},
		{ColEmptyWeight, &rec.EmptyWeight},
		{ColRemainingWeight, &rec.Remaining},
	}
	for _, w := range weights {
		raw := field(w.col)
		if raw == "" {
			continue
		}
		*w.dst, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return rec, &ParseError{Line: line, Reason: fmt.Sprintf("bad %s %q", w.col, raw)}
		}
		if *w.dst < 0 {
			return rec, &ParseError{Line: line, Reason: fmt.Sprintf("negative %s", w.col)}
		}
	}
	if rec.Remaining > rec.NominalWeight {
		return rec, &ParseError{Line: line, Reason: fmt.Sprintf("%s exceeds %s", ColRemainingWeight, ColNominalWeight)}
	}

	return rec, nil
}

// normalizeColorHex accepts an empty value, 6-hex RGB, or the firmware's
// 8-hex RGBA (alpha is dropped).
func normalizeColorHex(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	if len(s) != 6 && len(s) != 8 {
		return "", fmt.Errorf("bad %s %q", ColColorHex, s)
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return "", fmt.Errorf("bad %s %q", ColColorHex, s)
		}
	}
	return s[:6], nil
}

// Serialize writes records in the format Parse accepts, header first.
// Serialize(r) followed by Parse yields r unchanged.
func Serialize(records []DeviceRecord) (string, error) {
	var sb strings.Builder
	cw := csv.NewWriter(&sb)
	if err := cw.Write(serializeHeader); err != nil {
		return "", err
	}
	row := make([]string, len(serializeHeader))
	for _, rec := range records {
		row[0] = strconv.FormatInt(rec.DeviceID, 10)
		row[1] = rec.TagID
		row[2] = rec.Material
		row[3] = rec.Brand
		row[4] = rec.ColorName
		row[5] = rec.ColorHex
		row[6] = formatWeight(rec.NominalWeight)
		row[7] = formatWeight(rec.EmptyWeight)
		row[8] = formatWeight(rec.Remaining)
		if err := cw.Write(row); err != nil {
			return "", err
		}
	}
	cw.Flush()
	return sb.String(), cw.Error()
}

func formatWeight(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
