package pipeline

import (
	"fmt"
	"math"
	"sync"

	"mldeploy/dataset"
)

// Row is one dataset row presented to the cleaning rules.
type Row struct {
	Index    int
	Features []float64
	Target   float64
}

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(row Row) error
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Rule    string `json:"rule"`
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Issues         map[string]int64 `json:"issues"`
}

// DataCleaner drops rows that no tree could be fitted on.
type DataCleaner struct {
	rules []CleaningRule

	stats     CleaningStats
	statsLock sync.RWMutex
}

// NewDataCleaner 创建数据清洗器
func NewDataCleaner() *DataCleaner {
	cleaner := &DataCleaner{
		stats: CleaningStats{Issues: make(map[string]int64)},
	}
	cleaner.AddRule(NewFiniteValueRule())
	return cleaner
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
}

// Clean returns a copy of ds without the rejected rows. Feature names and
// target names carry over unchanged.
func (dc *DataCleaner) Clean(ds *dataset.Dataset) (*dataset.Dataset, []QualityIssue) {
	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	cleaned := &dataset.Dataset{
		FeatureNames: ds.FeatureNames,
		TargetNames:  ds.TargetNames,
	}
	var issues []QualityIssue
	for i, features := range ds.Features {
		dc.stats.TotalProcessed++
		row := Row{Index: i, Features: features}
		if i < len(ds.Target) {
			row.Target = ds.Target[i]
		} else {
			row.Target = math.NaN()
		}

		rejected := false
		for _, rule := range dc.rules {
			if err := rule.Apply(row); err != nil {
				issues = append(issues, QualityIssue{Rule: rule.Name(), Row: i, Message: err.Error()})
				dc.stats.Issues[rule.Name()]++
				rejected = true
			}
		}
		if rejected {
			dc.stats.Rejected++
			continue
		}
		dc.stats.Passed++
		cleaned.Features = append(cleaned.Features, row.Features)
		cleaned.Target = append(cleaned.Target, row.Target)
	}
	return cleaned, issues
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// ============ 清洗规则实现 ============

// FiniteValueRule rejects rows with NaN or infinite features or target.
type FiniteValueRule struct{}

func NewFiniteValueRule() *FiniteValueRule {
	return &FiniteValueRule{}
}

func (r *FiniteValueRule) Name() string {
	return "finite_value"
}

func (r *FiniteValueRule) Apply(row Row) error {
	for j, v := range row.Features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("feature %d is %v", j, v)
		}
	}
	if math.IsNaN(row.Target) || math.IsInf(row.Target, 0) {
		return fmt.Errorf("target is %v", row.Target)
	}
	return nil
}

// WidthRule rejects rows whose column count differs from Width.
type WidthRule struct {
	Width int
}

func NewWidthRule(width int) *WidthRule {
	return &WidthRule{Width: width}
}

func (r *WidthRule) Name() string {
	return "width"
}

func (r *WidthRule) Apply(row Row) error {
	if len(row.Features) != r.Width {
		return fmt.Errorf("row has %d columns, want %d", len(row.Features), r.Width)
	}
	return nil
}

// ClassLabelRule rejects targets that are not one of NClasses labels.
type ClassLabelRule struct {
	NClasses int
}

func NewClassLabelRule(nClasses int) *ClassLabelRule {
	return &ClassLabelRule{NClasses: nClasses}
}

func (r *ClassLabelRule) Name() string {
	return "class_label"
}

func (r *ClassLabelRule) Apply(row Row) error {
	if row.Target != math.Trunc(row.Target) || row.Target < 0 || int(row.Target) >= r.NClasses {
		return fmt.Errorf("label %v outside [0, %d)", row.Target, r.NClasses)
	}
	return nil
}
