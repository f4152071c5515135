// SPDX-License-Identifier: GPL-2.0-only

package registry

import (
	"sync"

	"github.com/dorssel/usbipd-win-sub001/device"
	"github.com/dorssel/usbipd-win-sub001/policy"
	"github.com/efficientgo/core/errors"
	"github.com/google/uuid"
)

// MemStore is a map-backed Store for tests and ephemeral runs.
type MemStore struct {
	mu      sync.Mutex
	devices map[uuid.UUID]BoundDevice
	rules   map[uuid.UUID]policy.Rule
}

func NewMemStore() *MemStore {
	return &MemStore{
		devices: map[uuid.UUID]BoundDevice{},
		rules:   map[uuid.UUID]policy.Rule{},
	}
}

func (s *MemStore) GetBoundDevices() (map[uuid.UUID]BoundDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bound := make(map[uuid.UUID]BoundDevice, len(s.devices))
	for id, d := range s.devices {
		bound[id] = d
	}
	return bound, nil
}

func (s *MemStore) Persist(instanceID string, description string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.devices {
		if d.InstanceID == instanceID {
			delete(s.devices, id)
		}
	}
	id := uuid.New()
	s.devices[id] = BoundDevice{
		InstanceID:  instanceID,
		Description: description,
		Forced:      true,
	}
	return id, nil
}

func (s *MemStore) SetStubInstanceID(bindingID uuid.UUID, stubInstanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[bindingID]
	if !ok {
		return errors.Wrapf(device.ErrNotFound, "no binding %s", bindingID)
	}
	d.StubInstanceID = stubInstanceID
	s.devices[bindingID] = d
	return nil
}

func (s *MemStore) StopSharing(bindingID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[bindingID]; !ok {
		return errors.Wrapf(device.ErrNotFound, "no binding %s", bindingID)
	}
	delete(s.devices, bindingID)
	return nil
}

func (s *MemStore) StopSharingAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = map[uuid.UUID]BoundDevice{}
	return nil
}

func (s *MemStore) GetPolicyRules() (map[uuid.UUID]policy.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := make(map[uuid.UUID]policy.Rule, len(s.rules))
	for id, r := range s.rules {
		rules[id] = r
	}
	return rules, nil
}

func (s *MemStore) AddPolicyRule(rule policy.Rule) (uuid.UUID, error) {
	if err := rule.Validate(); err != nil {
		return uuid.Nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.rules[id] = rule
	return id, nil
}

func (s *MemStore) RemovePolicyRule(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return errors.Wrapf(device.ErrNotFound, "no rule %s", id)
	}
	delete(s.rules, id)
	return nil
}

func (s *MemStore) RemoveAllPolicyRules() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = map[uuid.UUID]policy.Rule{}
	return nil
}

func (s *MemStore) Close() error {
	return nil
}
