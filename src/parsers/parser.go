// backend/src/parsers/parser.go
package parsers

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Fault is the error envelope the reports API returns instead of a report.
type Fault struct {
	Fault *struct {
		Error []struct {
			Message string `json:"Message"`
			Detail  string `json:"Detail"`
			Code    string `json:"code"`
		} `json:"Error"`
		Type string `json:"type"`
	} `json:"Fault"`
}

// ParseReport decodes a raw report payload into a tree.
func ParseReport(raw []byte) (*Report, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty report payload")
	}

	var fault Fault
	if err := jsonAPI.Unmarshal(trimmed, &fault); err == nil && fault.Fault != nil && len(fault.Fault.Error) > 0 {
		e := fault.Fault.Error[0]
		return nil, fmt.Errorf("report API fault %s: %s (%s)", e.Code, e.Message, e.Detail)
	}

	var report Report
	if err := jsonAPI.Unmarshal(trimmed, &report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &report, nil
}
