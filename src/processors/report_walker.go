package processors

import (
	"fmt"

	"github.com/username/ledgerdash/backend/src/models"
	"github.com/username/ledgerdash/backend/src/parsers"
)

// PathDelimiter joins section labels into a breadcrumb.
const PathDelimiter = " > "

// reportWalker is the depth-first, pre-order walk shared by every report type.
type reportWalker struct {
	reportType models.ReportType
	columns    *columnRegistry
	// strictColumns fails the walk when a value has no column to land in.
	strictColumns bool
	withPolarity  bool
	withGroups    bool

	result *models.FlattenResult
}

type walkFrame struct {
	path     string
	labels   []string
	group    models.CashFlowGroup
	rowGroup string
}

func newReportWalker(reportType models.ReportType, report *parsers.Report) *reportWalker {
	return &reportWalker{
		reportType: reportType,
		columns:    newColumnRegistry(report.Columns),
		result: &models.FlattenResult{
			ReportType: reportType,
			Lines:      []models.ReportLine{},
			Summaries:  []models.ReportSummary{},
		},
	}
}

// checkReport rejects trees that cannot be the expected report type.
func checkReport(reportType models.ReportType, report *parsers.Report) error {
	if report == nil {
		return &models.MappingError{ReportType: reportType, Reason: "report is nil"}
	}
	if name := report.Header.ReportName; name != "" && name != string(reportType) {
		return &models.MappingError{ReportType: reportType, Reason: fmt.Sprintf("payload is a %q report", name)}
	}
	return nil
}

func (w *reportWalker) run(report *parsers.Report) (*models.FlattenResult, error) {
	if err := w.walk(report.Rows.Nodes, walkFrame{}); err != nil {
		return nil, err
	}
	return w.result, nil
}

func (w *reportWalker) walk(nodes []parsers.Node, parent walkFrame) error {
	for _, node := range nodes {
		switch n := node.(type) {
		case *parsers.Section:
			if err := w.section(n, parent); err != nil {
				return err
			}
		case *parsers.Data:
			if err := w.data(n, parent); err != nil {
				return err
			}
		default:
			return &models.MappingError{ReportType: w.reportType, Path: parent.path, Reason: fmt.Sprintf("unexpected node %T", node)}
		}
	}
	return nil
}

func (w *reportWalker) section(s *parsers.Section, parent walkFrame) error {
	label := s.HeaderLabel()
	frame := walkFrame{
		path:     joinPath(parent.path, label),
		labels:   appendLabel(parent.labels, label),
		group:    parent.group,
		rowGroup: parent.rowGroup,
	}
	if s.Group != "" {
		frame.rowGroup = s.Group
	}
	if w.withGroups {
		frame.group = classifyCashFlowGroup(s.Group, label, parent.group)
	}

	if s.Summary != nil {
		if err := w.summary(s.Summary, frame); err != nil {
			return err
		}
	}
	return w.walk(s.Rows, frame)
}

func (w *reportWalker) summary(cells *parsers.Cells, frame walkFrame) error {
	label := cells.Label()
	for i := 1; i < len(cells.ColData); i++ {
		amount, ok := parsers.ParseAmount(cells.ColData[i].Value)
		if !ok {
			continue
		}
		col, err := w.column(i, frame.path)
		if err != nil {
			return err
		}
		w.result.Summaries = append(w.result.Summaries, models.ReportSummary{
			Path:        frame.path,
			Label:       label,
			Amount:      amount,
			ColumnTitle: col.Title,
			ColumnIndex: i,
			Group:       frame.group,
			RowGroup:    frame.rowGroup,
		})
	}
	return nil
}

func (w *reportWalker) data(d *parsers.Data, frame walkFrame) error {
	if len(d.ColData) == 0 {
		return nil
	}
	name := d.Label()
	accountID := d.ColData[0].ID

	group := frame.group
	if w.withGroups {
		group = classifyCashFlowGroup(d.Group, name, frame.group)
	}
	rowGroup := frame.rowGroup
	if d.Group != "" {
		rowGroup = d.Group
	}

	for i := 1; i < len(d.ColData); i++ {
		amount, ok := parsers.ParseAmount(d.ColData[i].Value)
		if !ok || amount == 0 {
			continue
		}
		col, err := w.column(i, frame.path)
		if err != nil {
			return err
		}

		line := models.ReportLine{
			Path:        frame.path,
			AccountID:   accountID,
			AccountName: name,
			Amount:      amount,
			Category:    labelAt(frame.labels, 0),
			Section:     labelAt(frame.labels, 1),
			Subsection:  labelAt(frame.labels, 2),
			ColumnTitle: col.Title,
			ColumnIndex: i,
			Group:       group,
			RowGroup:    rowGroup,
		}
		if w.strictColumns {
			key := col.Key
			line.Column = &key
		}
		if w.withPolarity {
			line.Polarity = col.Polarity
		}
		w.result.Lines = append(w.result.Lines, line)
	}
	return nil
}

func (w *reportWalker) column(index int, path string) (leafColumn, error) {
	col, ok := w.columns.leaf(index)
	if !ok && w.strictColumns {
		return leafColumn{}, &models.MappingError{
			ReportType: w.reportType,
			Path:       path,
			Reason:     fmt.Sprintf("value at position %d has no column", index),
		}
	}
	return col, nil
}

func joinPath(parent, label string) string {
	switch {
	case label == "":
		return parent
	case parent == "":
		return label
	default:
		return parent + PathDelimiter + label
	}
}

func appendLabel(labels []string, label string) []string {
	if label == "" {
		return labels
	}
	out := make([]string, len(labels), len(labels)+1)
	copy(out, labels)
	return append(out, label)
}

func labelAt(labels []string, i int) string {
	if i < len(labels) {
		return labels[i]
	}
	return ""
}
