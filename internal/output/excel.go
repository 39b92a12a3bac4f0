package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/rcourtman/snowctl/internal/query"
)

const maxSheetName = 31

var invalidSheetChars = strings.NewReplacer(":", "_", `\`, "_", "/", "_", "?", "_", "*", "_", "[", "_", "]", "_")

// sheetName derives a valid worksheet name from the table name.
func sheetName(table string) string {
	name := strings.Trim(invalidSheetChars.Replace(table), "'")
	if name == "" {
		name = "records"
	}
	if r := []rune(name); len(r) > maxSheetName {
		name = string(r[:maxSheetName])
	}
	return name
}

func renderExcel(w io.Writer, rs *query.RecordSet, opts Options) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := sheetName(rs.Table)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("name worksheet: %w", err)
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("open worksheet stream: %w", err)
	}

	rowNum := 1
	if !opts.NoHeader && len(rs.Columns) > 0 {
		bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
		if err != nil {
			return fmt.Errorf("create header style: %w", err)
		}
		header := make([]interface{}, len(rs.Columns))
		for i, col := range rs.Columns {
			header[i] = excelize.Cell{StyleID: bold, Value: col}
		}
		if err := writeExcelRow(sw, rowNum, header); err != nil {
			return err
		}
		rowNum++
	}

	for _, row := range rows(rs) {
		values := make([]interface{}, len(row))
		for i, cell := range row {
			values[i] = cell
		}
		if err := writeExcelRow(sw, rowNum, values); err != nil {
			return err
		}
		rowNum++
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush worksheet: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeExcelRow(sw *excelize.StreamWriter, rowNum int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return err
	}
	if err := sw.SetRow(cell, values); err != nil {
		return fmt.Errorf("write row %d: %w", rowNum, err)
	}
	return nil
}
