package access

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/salon-subscriptions/internal/identity"
)

func TestAllowedTable(t *testing.T) {
	tests := []struct {
		role identity.Role
		op   Operation
		want bool
	}{
		{identity.RoleClient, OpBookAppointment, true},
		{identity.RoleClient, OpSubscribe, true},
		{identity.RoleClient, OpApplyPartner, true},
		{identity.RolePartner, OpApplyPartner, false},
		{identity.RoleClient, OpManageService, false},
		{identity.RoleClient, OpApprovePartner, false},
		{identity.RolePartner, OpManageService, true},
		{identity.RolePartner, OpManageAppointments, true},
		{identity.RolePartner, OpBookAppointment, false},
		{identity.RolePartner, OpManagePlan, false},
		{identity.RoleAdmin, OpApprovePartner, true},
		{identity.RoleAdmin, OpManagePlan, true},
		{identity.RoleAdmin, OpChangeUserRole, true},
		{identity.RoleAdmin, OpBookAppointment, true},
		{"", OpBookAppointment, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.op), func(t *testing.T) {
			assert.Equal(t, tt.want, Allowed(tt.role, tt.op))
		})
	}
}

func TestCheckReturnsForbidden(t *testing.T) {
	err := Check(identity.Caller{UserID: "u1", Role: identity.RoleClient}, OpManagePlan)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrForbidden))

	err = Check(identity.Caller{Role: identity.RoleAdmin}, OpManagePlan)
	assert.ErrorIs(t, err, ErrForbidden, "callers without a user id are anonymous")
}

func TestCheckSalonOwnership(t *testing.T) {
	partner := identity.Caller{UserID: "p1", Role: identity.RolePartner}
	require.NoError(t, CheckSalon(partner, OpManageService, "p1"))
	assert.ErrorIs(t, CheckSalon(partner, OpManageService, "p2"), ErrForbidden)
	assert.ErrorIs(t, CheckSalon(partner, OpManageService, ""), ErrForbidden)

	admin := identity.Caller{UserID: "a1", Role: identity.RoleAdmin}
	require.NoError(t, CheckSalon(admin, OpManageAppointments, "p2"))

	client := identity.Caller{UserID: "p1", Role: identity.RoleClient}
	assert.ErrorIs(t, CheckSalon(client, OpManageService, "p1"), ErrForbidden)
}
