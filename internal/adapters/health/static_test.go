package health

import (
	"context"
	"testing"
	"time"

	"github.com/carenet/referrals/internal/shared/config"
	"github.com/carenet/referrals/internal/shared/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDirectoryFromConfig(t *testing.T) {
	off := false
	dir := StaticDirectoryFromConfig([]config.HospitalConfig{
		{ID: "10", Name: "Ten", AvailableBeds: 2},
		{ID: "2", Name: "Two", Role: "escalation_target", AutoEscalate: &off, NotificationDuration: time.Minute},
		{ID: "3", Name: "Three", Inactive: true},
	})
	ctx := context.Background()

	h, err := dir.ResolveHospital(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, RoleEscalationTarget, h.Role)
	assert.False(t, h.AutoEscalate)
	assert.Equal(t, time.Minute, h.NotificationDuration)

	h, err = dir.ResolveHospital(ctx, "10")
	require.NoError(t, err)
	assert.True(t, h.AutoEscalate, "auto escalation defaults on")
	assert.Equal(t, RoleNormal, h.Role)

	all, err := dir.ListHospitals(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "2", all[0].ID.String())
	assert.Equal(t, "10", all[2].ID.String())
	assert.False(t, all[1].AcceptsReferrals())
}

func TestStaticDirectoryUnknownHospital(t *testing.T) {
	dir := NewStaticDirectory()
	_, err := dir.ResolveHospital(context.Background(), "404")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownHospital))

	assert.True(t, errors.Is(dir.SetAvailableBeds("404", 3), errors.ErrUnknownHospital))
}

func TestStaticDirectorySetAvailableBeds(t *testing.T) {
	dir := NewStaticDirectory(Hospital{ID: "1", Active: true})
	ctx := context.Background()

	h, err := dir.ResolveHospital(ctx, "1")
	require.NoError(t, err)
	assert.False(t, h.AcceptsReferrals())

	require.NoError(t, dir.SetAvailableBeds("1", 5))
	h, err = dir.ResolveHospital(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 5, h.AvailableBeds)
	assert.True(t, h.AcceptsReferrals())
}

func TestAnyPatient(t *testing.T) {
	ok, err := AnyPatient{}.PatientExists(context.Background(), "P-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = AnyPatient{}.PatientExists(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHospital_DistanceKm(t *testing.T) {
	kikinda := Hospital{ID: "1", Latitude: 45.8297, Longitude: 20.4653}
	noviSad := Hospital{ID: "2", Latitude: 45.2671, Longitude: 19.8335}
	belgrade := Hospital{ID: "3", Latitude: 44.7866, Longitude: 20.4489}

	assert.InDelta(t, 79.6, kikinda.DistanceKm(noviSad), 0.5)
	assert.InDelta(t, 116.0, kikinda.DistanceKm(belgrade), 0.5)
	assert.InDelta(t, kikinda.DistanceKm(noviSad), noviSad.DistanceKm(kikinda), 1e-9)
	assert.Zero(t, kikinda.DistanceKm(kikinda))
}
