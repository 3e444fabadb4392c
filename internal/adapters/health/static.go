package health

import (
	"context"
	"sort"
	"sync"

	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/shared/config"
	"github.com/carenet/referrals/internal/shared/errors"
)

// StaticDirectory serves hospitals from configuration. Bed counts may be
// updated at runtime.
type StaticDirectory struct {
	mu        sync.RWMutex
	hospitals map[domain.HospitalID]Hospital
}

// NewStaticDirectory builds a directory from hospitals.
func NewStaticDirectory(hospitals ...Hospital) *StaticDirectory {
	d := &StaticDirectory{hospitals: make(map[domain.HospitalID]Hospital, len(hospitals))}
	for _, h := range hospitals {
		d.hospitals[h.ID] = h
	}
	return d
}

// StaticDirectoryFromConfig converts configured hospitals. A hospital
// without auto_escalate escalates automatically.
func StaticDirectoryFromConfig(cfgs []config.HospitalConfig) *StaticDirectory {
	hospitals := make([]Hospital, 0, len(cfgs))
	for _, c := range cfgs {
		autoEscalate := true
		if c.AutoEscalate != nil {
			autoEscalate = *c.AutoEscalate
		}
		hospitals = append(hospitals, Hospital{
			ID:                   domain.HospitalID(c.ID),
			Name:                 c.Name,
			Level:                c.Level,
			Role:                 ParseRole(c.Role),
			Active:               !c.Inactive,
			AvailableBeds:        c.AvailableBeds,
			NotificationDuration: c.NotificationDuration,
			AutoEscalate:         autoEscalate,
			Latitude:             c.Latitude,
			Longitude:            c.Longitude,
		})
	}
	return NewStaticDirectory(hospitals...)
}

func (d *StaticDirectory) ResolveHospital(ctx context.Context, id domain.HospitalID) (*Hospital, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h, ok := d.hospitals[id]
	if !ok {
		return nil, errors.UnknownHospital(id.String())
	}
	return &h, nil
}

// ListHospitals returns hospitals in natural id order.
func (d *StaticDirectory) ListHospitals(ctx context.Context) ([]Hospital, error) {
	d.mu.RLock()
	out := make([]Hospital, 0, len(d.hospitals))
	for _, h := range d.hospitals {
		out = append(out, h)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return domain.CompareHospitalIDs(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

// SetAvailableBeds updates the bed count of a known hospital.
func (d *StaticDirectory) SetAvailableBeds(id domain.HospitalID, beds int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.hospitals[id]
	if !ok {
		return errors.UnknownHospital(id.String())
	}
	h.AvailableBeds = beds
	d.hospitals[id] = h
	return nil
}
