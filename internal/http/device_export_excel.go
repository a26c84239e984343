package httpapi

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

const exportSheetName = "Readings"

// ReadingsExportHeader 导出表头（每条读数一行）
var ReadingsExportHeader = []string{
	"Device ID",
	"Display Name",
	"Status",
	"Timestamp",
	"Temp",
	"Humid",
	"AC Current",
	"Opt Sensor",
	"Hull",
	"PIR",
	"IN2",
	"Dist",
}

var exportColumnWidths = []float64{
	24, // Device ID
	28, // Display Name
	10, // Status
	22, // Timestamp
	10, 10, 12, 12, 10, 8, 8, 10,
}

// GenerateReadingsExport 生成所有设备保留读数的 Excel 文件
// 设备为空时只生成表头
func GenerateReadingsExport(views []DeviceView) ([]byte, error) {
	f := excelize.NewFile()
	// Note: Don't defer Close() here, because WriteTo needs the file to be open

	index, err := f.NewSheet(exportSheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	// 删除默认的 Sheet1
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold: true,
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	// 写入表头
	for col, header := range ReadingsExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(exportSheetName, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(exportSheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(exportSheetName, name, name, exportColumnWidths[col]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	// 写入数据，从第2行开始
	row := 2
	for _, v := range views {
		for _, reading := range v.Readings {
			values := []any{
				string(v.ID),
				v.DisplayName,
				string(v.Status),
				reading.Timestamp.UTC().Format("2006-01-02 15:04:05"),
				reading.Temp,
				reading.Humid,
				reading.ACCurrent,
				reading.OptSensor,
				reading.Hull,
				yesNo(reading.PIR),
				yesNo(reading.In2),
				reading.Dist,
			}
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetSheetRow(exportSheetName, cell, &values); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to write row %d: %w", row, err)
			}
			row++
		}
	}

	// 冻结表头
	if err := f.SetPanes(exportSheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	return buf.Bytes(), nil
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
