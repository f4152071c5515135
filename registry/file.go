// SPDX-License-Identifier: GPL-2.0-only

package registry

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	baseerrors "errors"

	"github.com/dorssel/usbipd-win-sub001/device"
	"github.com/dorssel/usbipd-win-sub001/policy"
	"github.com/efficientgo/core/errors"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type storedDevice struct {
	InstanceID     string `yaml:"instance_id"`
	Description    string `yaml:"description"`
	Forced         bool   `yaml:"forced"`
	StubInstanceID string `yaml:"stub_instance_id,omitempty"`
	ClientAddr     string `yaml:"client_addr,omitempty"`
}

type storedRule struct {
	Effect    string `yaml:"effect"`
	Operation string `yaml:"operation"`
	BusID     string `yaml:"bus_id,omitempty"`
	VidPid    string `yaml:"vid_pid,omitempty"`
}

type stateFile struct {
	Devices map[string]storedDevice `yaml:"devices"`
	Rules   map[string]storedRule   `yaml:"rules"`
}

// FileStore persists bindings and policy rules in one YAML document,
// rewritten atomically on every mutation. Writes are serialized in-process;
// cross-process discipline is advisory only.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() (*stateFile, error) {
	state := &stateFile{
		Devices: map[string]storedDevice{},
		Rules:   map[string]storedRule{},
	}
	raw, err := os.ReadFile(s.path)
	if baseerrors.Is(err, fs.ErrNotExist) {
		return state, nil
	}
	if baseerrors.Is(err, fs.ErrPermission) {
		return nil, errors.Wrapf(ErrAccessDenied, "cannot read %s", s.path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read state file %s", s.path)
	}
	if err := yaml.Unmarshal(raw, state); err != nil {
		return nil, errors.Wrapf(err, "state file %s is corrupt", s.path)
	}
	if state.Devices == nil {
		state.Devices = map[string]storedDevice{}
	}
	if state.Rules == nil {
		state.Rules = map[string]storedRule{}
	}
	return state, nil
}

func (s *FileStore) save(state *stateFile) error {
	raw, err := yaml.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "failed to serialize state")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*")
	if err != nil {
		if baseerrors.Is(err, fs.ErrPermission) {
			return errors.Wrapf(ErrAccessDenied, "cannot write near %s", s.path)
		}
		return errors.Wrap(err, "failed to create temp state file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "failed to write state")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to flush state")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrap(err, "failed to replace state file")
	}
	return nil
}

func (s *FileStore) mutate(f func(*stateFile) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return err
	}
	if err := f(state); err != nil {
		return err
	}
	return s.save(state)
}

func (s *FileStore) GetBoundDevices() (map[uuid.UUID]BoundDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	bound := make(map[uuid.UUID]BoundDevice, len(state.Devices))
	for key, d := range state.Devices {
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid binding id %q", key)
		}
		bound[id] = BoundDevice{
			InstanceID:     d.InstanceID,
			Description:    d.Description,
			Forced:         d.Forced,
			StubInstanceID: d.StubInstanceID,
			ClientAddr:     d.ClientAddr,
		}
	}
	return bound, nil
}

func (s *FileStore) Persist(instanceID string, description string) (uuid.UUID, error) {
	id := uuid.New()
	err := s.mutate(func(state *stateFile) error {
		// Re-binding the same device replaces its previous record.
		for key, d := range state.Devices {
			if d.InstanceID == instanceID {
				delete(state.Devices, key)
			}
		}
		state.Devices[id.String()] = storedDevice{
			InstanceID:  instanceID,
			Description: description,
			Forced:      true,
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *FileStore) SetStubInstanceID(bindingID uuid.UUID, stubInstanceID string) error {
	return s.mutate(func(state *stateFile) error {
		d, ok := state.Devices[bindingID.String()]
		if !ok {
			return errors.Wrapf(device.ErrNotFound, "no binding %s", bindingID)
		}
		d.StubInstanceID = stubInstanceID
		state.Devices[bindingID.String()] = d
		return nil
	})
}

func (s *FileStore) StopSharing(bindingID uuid.UUID) error {
	return s.mutate(func(state *stateFile) error {
		if _, ok := state.Devices[bindingID.String()]; !ok {
			return errors.Wrapf(device.ErrNotFound, "no binding %s", bindingID)
		}
		delete(state.Devices, bindingID.String())
		return nil
	})
}

func (s *FileStore) StopSharingAll() error {
	return s.mutate(func(state *stateFile) error {
		state.Devices = map[string]storedDevice{}
		return nil
	})
}

func (s *FileStore) GetPolicyRules() (map[uuid.UUID]policy.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.load()
	if err != nil {
		return nil, err
	}
	rules := make(map[uuid.UUID]policy.Rule, len(state.Rules))
	for key, r := range state.Rules {
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid rule id %q", key)
		}
		rule, err := ruleFromStored(r)
		if err != nil {
			return nil, errors.Wrapf(err, "rule %s is corrupt", key)
		}
		rules[id] = rule
	}
	return rules, nil
}

func (s *FileStore) AddPolicyRule(rule policy.Rule) (uuid.UUID, error) {
	if err := rule.Validate(); err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	err := s.mutate(func(state *stateFile) error {
		state.Rules[id.String()] = ruleToStored(rule)
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *FileStore) RemovePolicyRule(id uuid.UUID) error {
	return s.mutate(func(state *stateFile) error {
		if _, ok := state.Rules[id.String()]; !ok {
			return errors.Wrapf(device.ErrNotFound, "no rule %s", id)
		}
		delete(state.Rules, id.String())
		return nil
	})
}

func (s *FileStore) RemoveAllPolicyRules() error {
	return s.mutate(func(state *stateFile) error {
		state.Rules = map[string]storedRule{}
		return nil
	})
}

func (s *FileStore) Close() error {
	return nil
}

func ruleToStored(rule policy.Rule) storedRule {
	r := storedRule{
		Effect:    rule.Effect.String(),
		Operation: rule.Operation.String(),
	}
	if rule.BusID != nil {
		r.BusID = rule.BusID.Location()
	}
	if rule.VidPid != nil {
		r.VidPid = rule.VidPid.String()
	}
	return r
}

func ruleFromStored(r storedRule) (policy.Rule, error) {
	rule := policy.Rule{Operation: policy.AutoBind}
	switch r.Effect {
	case policy.Allow.String():
		rule.Effect = policy.Allow
	case policy.Deny.String():
		rule.Effect = policy.Deny
	default:
		return policy.Rule{}, errors.Newf("unknown effect %q", r.Effect)
	}
	if r.BusID != "" {
		busID := device.ParseBusID(r.BusID)
		rule.BusID = &busID
	}
	if r.VidPid != "" {
		vidPid, err := device.ParseVidPid(r.VidPid)
		if err != nil {
			return policy.Rule{}, err
		}
		rule.VidPid = &vidPid
	}
	return rule, rule.Validate()
}
