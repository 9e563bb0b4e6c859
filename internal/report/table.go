package report

import (
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/vzahanych/facetrace/internal/camera"
	"github.com/vzahanych/facetrace/internal/state"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// DetectionsTable renders detections for the terminal.
func DetectionsTable(detections []state.Detection) string {
	rows := make([][]string, 0, len(detections))
	for _, d := range detections {
		rows = append(rows, []string{
			strconv.Itoa(d.FrameNumber),
			d.Timestamp,
			FormatSimilarity(d.Similarity),
			d.MatchImagePath,
		})
	}
	return renderTable(
		[]string{"Frame", "Timestamp", "Similarity", "Crop"},
		rows,
		[]columnAlignment{alignRight, alignRight, alignRight, alignLeft},
	)
}

// VideosTable renders video summaries for the terminal.
func VideosTable(videos []state.VideoSummary) string {
	rows := make([][]string, 0, len(videos))
	for _, v := range videos {
		rows = append(rows, []string{
			v.VideoFilename,
			strconv.Itoa(v.Detections),
			FormatSimilarity(v.BestSimilarity),
			strconv.Itoa(v.FirstFrame),
			strconv.Itoa(v.LastFrame),
		})
	}
	return renderTable(
		[]string{"Video", "Matches", "Best", "First frame", "Last frame"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
	)
}

// DevicesTable renders local capture devices.
func DevicesTable(devices []camera.Device) string {
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{d.Index, d.Path, d.Driver, d.Model})
	}
	return renderTable(
		[]string{"Index", "Device", "Driver", "Model"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
	)
}

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}
