package metrics

import (
	"strconv"

	"chemeleon/internal/report"
)

// Record is the aggregate outcome of an evaluation. Fractions are in [0,1];
// nil marks a metric that was not selected or could not be computed.
type Record struct {
	RunID            string `json:"run_id"`
	ReferenceDataset string `json:"reference_dataset"`

	NumGenerated int      `json:"num_generated"`
	NumValid     int      `json:"num_valid"`
	NumInvalid   int      `json:"num_invalid"`
	Validity     *float64 `json:"validity"`

	NumUnique  *int     `json:"num_unique"`
	Uniqueness *float64 `json:"uniqueness"`

	NumNovel *int     `json:"num_novel"`
	Novelty  *float64 `json:"novelty"`

	NumMetastable *int     `json:"num_metastable"`
	Stability     *float64 `json:"stability"`
	NumStable     *int     `json:"num_stable"`
	StableRatio   *float64 `json:"stable_ratio"`

	SUN  *float64 `json:"sun"`
	MSUN *float64 `json:"msun"`

	MeanEAboveHull *float64 `json:"mean_e_above_hull"`
}

// Columns is the CSV header. The order is part of the export format.
func Columns() []string {
	return []string{
		"run_id",
		"reference_dataset",
		"num_generated",
		"num_valid",
		"num_invalid",
		"validity",
		"num_unique",
		"uniqueness",
		"num_novel",
		"novelty",
		"num_metastable",
		"stability",
		"num_stable",
		"stable_ratio",
		"sun",
		"msun",
		"mean_e_above_hull",
	}
}

// Row renders the record in Columns order. Missing values are empty cells.
func (r Record) Row() []string {
	return []string{
		r.RunID,
		r.ReferenceDataset,
		strconv.Itoa(r.NumGenerated),
		strconv.Itoa(r.NumValid),
		strconv.Itoa(r.NumInvalid),
		formatFloat(r.Validity),
		formatInt(r.NumUnique),
		formatFloat(r.Uniqueness),
		formatInt(r.NumNovel),
		formatFloat(r.Novelty),
		formatInt(r.NumMetastable),
		formatFloat(r.Stability),
		formatInt(r.NumStable),
		formatFloat(r.StableRatio),
		formatFloat(r.SUN),
		formatFloat(r.MSUN),
		formatFloat(r.MeanEAboveHull),
	}
}

// ToCSV appends the record to path, writing the header only when the file
// is new or empty.
func (r Record) ToCSV(path string) error {
	return report.AppendCSV(path, Columns(), r.Row())
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 6, 64)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func ratio(num, den int) *float64 {
	if den == 0 {
		return nil
	}
	v := float64(num) / float64(den)
	return &v
}

func intPtr(v int) *int { return &v }
