package formatter

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/bms/internal/aging"
	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/process"
)

type YAMLFormatter struct{}

func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{}
}

func (f *YAMLFormatter) FormatBundles(infos []bundle.BundleInfo) (string, error) {
	return marshalYAML(infos)
}

func (f *YAMLFormatter) FormatBundle(info *bundle.BundleInfo) (string, error) {
	if info == nil {
		return "null", nil
	}
	return marshalYAML(info)
}

func (f *YAMLFormatter) FormatReport(report *aging.Report) (string, error) {
	if report == nil {
		return "null", nil
	}
	return marshalYAML(report)
}

func (f *YAMLFormatter) FormatPlan(plan *aging.Plan) (string, error) {
	if plan == nil {
		return "null", nil
	}
	return marshalYAML(plan)
}

func (f *YAMLFormatter) FormatEvents(events []bundle.Event) (string, error) {
	return marshalYAML(events)
}

func (f *YAMLFormatter) FormatProcesses(launches []process.Launch) (string, error) {
	return marshalYAML(launches)
}

func marshalYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
