package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"wisefido-wearable/internal/models"
)

// EscalationExportHeader 导出表头
var EscalationExportHeader = []string{
	"Escalation ID",
	"Origin Device",
	"Reason",
	"Destination Number",
	"Location Source",
	"Location Link",
	"Delivery State",
	"Call Status",
	"Abort Reason",
	"Triggered At",
	"Call Placed At",
}

var escalationColumnWidths = []float64{38, 15, 40, 18, 15, 60, 15, 12, 30, 22, 22}

// GenerateEscalationExport 生成升级记录 Excel 文件
func GenerateEscalationExport(list []*models.Escalation) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Escalations"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	// 删除默认的 Sheet1
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	// 1. 表头与列宽
	for col, header := range EscalationExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(sheetName, name, name, escalationColumnWidths[col]); err != nil {
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	// 2. 数据行（从第2行开始）
	for i, e := range list {
		row := []any{
			e.EscalationID,
			e.OriginDeviceID,
			e.Reason,
			derefString(e.DestinationNumber),
			string(e.LocationSource),
			e.LocationLink,
			string(e.DeliveryState),
			string(e.CallStatus),
			derefString(e.AbortReason),
			formatTime(&e.TriggeredAt),
			formatTime(e.CallPlacedAt),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write excel: %w", err)
	}
	return buf.Bytes(), nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
