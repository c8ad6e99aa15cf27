// backend/src/parsers/report.go
package parsers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Report is the JSON document returned by GET /company/{realm}/reports/{name}.
type Report struct {
	Header  ReportHeader `json:"Header"`
	Columns *Columns     `json:"Columns,omitempty"`
	Rows    Rows         `json:"Rows"`
}

type ReportHeader struct {
	Time        string     `json:"Time"`
	ReportName  string     `json:"ReportName"`
	ReportBasis string     `json:"ReportBasis"`
	StartPeriod string     `json:"StartPeriod"`
	EndPeriod   string     `json:"EndPeriod"`
	Currency    string     `json:"Currency"`
	Option      []MetaData `json:"Option,omitempty"`
}

type MetaData struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type Columns struct {
	Column []Column `json:"Column"`
}

type Column struct {
	ColTitle string     `json:"ColTitle"`
	ColType  string     `json:"ColType"`
	MetaData []MetaData `json:"MetaData,omitempty"`
	Columns  *Columns   `json:"Columns,omitempty"`
}

// Meta returns the value of the named metadata entry, or "".
func (c Column) Meta(name string) string {
	for _, m := range c.MetaData {
		if strings.EqualFold(m.Name, name) {
			return m.Value
		}
	}
	return ""
}

type ColData struct {
	Value string `json:"value"`
	ID    string `json:"id,omitempty"`
	Href  string `json:"href,omitempty"`
}

// Cells is the ColData list of a header, summary or data row.
type Cells struct {
	ColData []ColData `json:"ColData"`
}

// Label is the leading cell's text.
func (c *Cells) Label() string {
	if c == nil || len(c.ColData) == 0 {
		return ""
	}
	return CleanLabel(c.ColData[0].Value)
}

// Node is one entry of a report tree. The set of implementations is closed:
// *Section and *Data.
type Node interface {
	isNode()
}

// Section groups child rows under a header label and may carry a source total.
type Section struct {
	Header  *Cells
	Rows    []Node
	Summary *Cells
	Group   string
}

// Data is a labeled leaf row with one value per column.
type Data struct {
	Cells
	Group string
}

func (*Section) isNode() {}
func (*Data) isNode()    {}

// HeaderLabel is the section's own label, falling back to the summary label
// for summary-only sections such as "Net Income".
func (s *Section) HeaderLabel() string {
	if label := s.Header.Label(); label != "" {
		return label
	}
	return s.Summary.Label()
}

// Rows is the {"Row": [...]} wrapper; it decodes each row into a Node.
type Rows struct {
	Nodes []Node
}

type rawRow struct {
	Type    string          `json:"type"`
	Group   string          `json:"group"`
	Header  *Cells          `json:"Header"`
	Rows    *Rows           `json:"Rows"`
	Summary *Cells          `json:"Summary"`
	ColData json.RawMessage `json:"ColData"`
}

func (r *Rows) UnmarshalJSON(b []byte) error {
	var wrapper struct {
		Row []rawRow `json:"Row"`
	}
	if err := jsonAPI.Unmarshal(b, &wrapper); err != nil {
		return err
	}
	r.Nodes = make([]Node, 0, len(wrapper.Row))
	for i, raw := range wrapper.Row {
		node, err := raw.toNode()
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		r.Nodes = append(r.Nodes, node)
	}
	return nil
}

func (r rawRow) toNode() (Node, error) {
	kind := strings.ToLower(r.Type)
	if kind == "" {
		switch {
		case r.Header != nil || r.Rows != nil || r.Summary != nil:
			kind = "section"
		case len(r.ColData) > 0:
			kind = "data"
		}
	}

	switch kind {
	case "section":
		s := &Section{Header: r.Header, Summary: r.Summary, Group: r.Group}
		if r.Rows != nil {
			s.Rows = r.Rows.Nodes
		}
		return s, nil
	case "data":
		d := &Data{Group: r.Group}
		if len(r.ColData) > 0 {
			if err := jsonAPI.Unmarshal(r.ColData, &d.ColData); err != nil {
				return nil, fmt.Errorf("data row ColData: %w", err)
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unrecognized row shape (type %q)", r.Type)
	}
}
