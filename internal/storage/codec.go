package storage

import (
	"encoding/json"
	"errors"
	"sort"

	"chemeleon/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// CurrentVersion stamps new records.
func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeEvaluation(run model.EvaluationRun) ([]byte, error) {
	return json.Marshal(run)
}

func DecodeEvaluation(data []byte) (model.EvaluationRun, error) {
	var run model.EvaluationRun
	if err := json.Unmarshal(data, &run); err != nil {
		return model.EvaluationRun{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.EvaluationRun{}, err
	}
	return run, nil
}

func EncodeReferenceSet(set model.ReferenceSet) ([]byte, error) {
	return json.Marshal(set)
}

func DecodeReferenceSet(data []byte) (model.ReferenceSet, error) {
	var set model.ReferenceSet
	if err := json.Unmarshal(data, &set); err != nil {
		return model.ReferenceSet{}, err
	}
	if err := checkVersion(set.VersionedRecord); err != nil {
		return model.ReferenceSet{}, err
	}
	return set, nil
}

func EncodePhaseDiagram(set model.PhaseDiagramSet) ([]byte, error) {
	return json.Marshal(set)
}

func DecodePhaseDiagram(data []byte) (model.PhaseDiagramSet, error) {
	var set model.PhaseDiagramSet
	if err := json.Unmarshal(data, &set); err != nil {
		return model.PhaseDiagramSet{}, err
	}
	if err := checkVersion(set.VersionedRecord); err != nil {
		return model.PhaseDiagramSet{}, err
	}
	return set, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

func sortRunsNewestFirst(runs []model.EvaluationRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC == runs[j].CreatedAtUTC {
			return runs[i].RunID < runs[j].RunID
		}
		return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
	})
}
