package health

import (
	"context"
	"math"
	"time"

	"github.com/carenet/referrals/internal/referral/domain"
)

// HospitalDirectory resolves hospitals and their current capacity.
// Implementations connect to a configured list or to a HIS (Heliant).
type HospitalDirectory interface {
	// ResolveHospital fails with errors.ErrUnknownHospital when id is not known.
	ResolveHospital(ctx context.Context, id domain.HospitalID) (*Hospital, error)
	ListHospitals(ctx context.Context) ([]Hospital, error)
}

// PatientDirectory checks patient references before a referral is created.
type PatientDirectory interface {
	PatientExists(ctx context.Context, patientRef string) (bool, error)
}

// Role marks hospitals that usually receive escalated referrals.
type Role string

const (
	RoleNormal           Role = "normal"
	RoleEscalationTarget Role = "escalation_target"
)

// ParseRole maps an empty or unknown role to RoleNormal.
func ParseRole(s string) Role {
	if Role(s) == RoleEscalationTarget {
		return RoleEscalationTarget
	}
	return RoleNormal
}

// Hospital is a directory entry.
type Hospital struct {
	ID                   domain.HospitalID `json:"id"`
	Name                 string            `json:"name"`
	Level                string            `json:"level,omitempty"`
	Role                 Role              `json:"role"`
	Active               bool              `json:"active"`
	AvailableBeds        int               `json:"available_beds"`
	NotificationDuration time.Duration     `json:"notification_duration"`
	AutoEscalate         bool              `json:"auto_escalate"`
	Latitude             float64           `json:"latitude,omitempty"`
	Longitude            float64           `json:"longitude,omitempty"`
}

// AcceptsReferrals reports whether the hospital can be offered a referral.
func (h Hospital) AcceptsReferrals() bool {
	return h.Active && h.AvailableBeds > 0
}

const earthRadiusKm = 6371.0

// DistanceKm is the great-circle distance between two hospitals.
func (h Hospital) DistanceKm(other Hospital) float64 {
	lat1, lat2 := h.Latitude*math.Pi/180, other.Latitude*math.Pi/180
	dLat := lat2 - lat1
	dLng := (other.Longitude - h.Longitude) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// AnyPatient accepts every non-empty patient reference. Used when no HIS is configured.
type AnyPatient struct{}

func (AnyPatient) PatientExists(ctx context.Context, patientRef string) (bool, error) {
	return patientRef != "", nil
}
