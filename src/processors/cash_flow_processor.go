package processors

import (
	"strings"

	"github.com/username/ledgerdash/backend/src/models"
	"github.com/username/ledgerdash/backend/src/parsers"
)

// Explicit group tags sent on cash flow rows, lowercased.
var cashFlowGroupTags = map[string]models.CashFlowGroup{
	"operatingactivities":  models.GroupOperating,
	"operatingadjustments": models.GroupOperating,
	"investingactivities":  models.GroupInvesting,
	"financingactivities":  models.GroupFinancing,
	"cashincrease":         models.GroupNetCash,
	"netcashincrease":      models.GroupNetCash,
	"beginningcash":        models.GroupBeginningCash,
	"endingcash":           models.GroupEndingCash,
}

// Label vocabulary, checked in order. Activity names come before the net cash
// phrases since "Net cash provided by operating activities" is operating.
var cashFlowVocabulary = []struct {
	keyword string
	group   models.CashFlowGroup
}{
	{"operating", models.GroupOperating},
	{"investing", models.GroupInvesting},
	{"financing", models.GroupFinancing},
	{"beginning of period", models.GroupBeginningCash},
	{"beginning cash", models.GroupBeginningCash},
	{"end of period", models.GroupEndingCash},
	{"ending cash", models.GroupEndingCash},
	{"net cash increase", models.GroupNetCash},
	{"cash increase", models.GroupNetCash},
	{"net change in cash", models.GroupNetCash},
}

type cashFlowProcessorImpl struct{}

// NewCashFlowProcessor flattens cash flow statements and tags every node with
// its activity group.
func NewCashFlowProcessor() ReportFlattener {
	return &cashFlowProcessorImpl{}
}

func (p *cashFlowProcessorImpl) Flatten(report *parsers.Report) (*models.FlattenResult, error) {
	if err := checkReport(models.ReportCashFlow, report); err != nil {
		return nil, err
	}
	w := newReportWalker(models.ReportCashFlow, report)
	w.withGroups = true
	return w.run(report)
}

// classifyCashFlowGroup resolves a node's group: explicit tag first, then the
// inherited group, then the label vocabulary.
func classifyCashFlowGroup(tag, label string, inherited models.CashFlowGroup) models.CashFlowGroup {
	if g, ok := cashFlowGroupTags[strings.ToLower(tag)]; ok {
		return g
	}
	if inherited != models.GroupNone {
		return inherited
	}
	return cashFlowGroupFromLabel(label)
}

func cashFlowGroupFromLabel(label string) models.CashFlowGroup {
	lower := strings.ToLower(label)
	for _, v := range cashFlowVocabulary {
		if strings.Contains(lower, v.keyword) {
			return v.group
		}
	}
	return models.GroupNone
}
