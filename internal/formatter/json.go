package formatter

import (
	"encoding/json"

	"github.com/harunnryd/bms/internal/aging"
	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/process"
)

type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) FormatBundles(infos []bundle.BundleInfo) (string, error) {
	if infos == nil {
		infos = []bundle.BundleInfo{}
	}
	return marshalJSON(infos)
}

func (f *JSONFormatter) FormatBundle(info *bundle.BundleInfo) (string, error) {
	if info == nil {
		return "null", nil
	}
	return marshalJSON(info)
}

func (f *JSONFormatter) FormatReport(report *aging.Report) (string, error) {
	if report == nil {
		return "null", nil
	}
	return marshalJSON(report)
}

func (f *JSONFormatter) FormatPlan(plan *aging.Plan) (string, error) {
	if plan == nil {
		return "null", nil
	}
	return marshalJSON(plan)
}

func (f *JSONFormatter) FormatEvents(events []bundle.Event) (string, error) {
	if events == nil {
		events = []bundle.Event{}
	}
	return marshalJSON(events)
}

func (f *JSONFormatter) FormatProcesses(launches []process.Launch) (string, error) {
	if launches == nil {
		launches = []process.Launch{}
	}
	return marshalJSON(launches)
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
