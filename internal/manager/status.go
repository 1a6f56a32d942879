package manager

import (
	"servingd/pkg/types"
)

// ModelStatus returns the status of model name and all of its versions.
func (m *Manager) ModelStatus(name string) (types.ModelStatus, error) {
	mdl, err := m.Model(name)
	if err != nil {
		return types.ModelStatus{}, err
	}
	return mdl.Snapshot(), nil
}

// ModelStatuses returns the status of every registered model sorted by name.
func (m *Manager) ModelStatuses() []types.ModelStatus {
	models := m.Models()
	out := make([]types.ModelStatus, 0, len(models))
	for _, mdl := range models {
		out = append(out, mdl.Snapshot())
	}
	return out
}

// Snapshot converts the model state into its API representation.
func (m *Model) Snapshot() types.ModelStatus {
	sts := m.VersionStatuses()
	out := types.ModelStatus{Name: m.name, DefaultVersion: m.DefaultVersion(), Versions: make([]types.VersionStatus, 0, len(sts))}
	for _, st := range sts {
		out.Versions = append(out.Versions, st.API())
	}
	return out
}

// API converts s into its API representation.
func (s VersionStatus) API() types.VersionStatus {
	return types.VersionStatus{Version: s.Version, State: string(s.State), Error: s.Err, UpdatedUnix: s.Updated.Unix()}
}

// SequenceIDs returns the open sequence ids of a stateful version; version 0
// selects the default version.
func (m *Manager) SequenceIDs(name string, version int64) ([]uint64, error) {
	inst, err := m.Instance(name, version)
	if err != nil {
		return nil, err
	}
	seqs := inst.Sequences()
	if seqs == nil {
		return []uint64{}, nil
	}
	return seqs.IDs(), nil
}
