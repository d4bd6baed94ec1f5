// Package access decides which platform roles may invoke which operations.
package access

import (
	"errors"
	"fmt"

	"github.com/wolfman30/salon-subscriptions/internal/identity"
)

// ErrForbidden is returned for every denied operation.
var ErrForbidden = errors.New("access: forbidden")

// Operation is a category of gated work.
type Operation string

const (
	OpBookAppointment    Operation = "book-appointment"
	OpSubscribe          Operation = "subscribe"
	OpApplyPartner       Operation = "apply-partner"
	OpManageService      Operation = "manage-service"
	OpManageAppointments Operation = "manage-own-appointments"
	OpApprovePartner     Operation = "approve-partner"
	OpManagePlan         Operation = "manage-plan"
	OpChangeUserRole     Operation = "change-user-role"
	OpManagePayouts      Operation = "manage-payouts"
	OpViewPlatform       Operation = "view-platform"
)

// salonScoped operations additionally require the partner to own the salon.
var salonScoped = map[Operation]bool{
	OpManageService:      true,
	OpManageAppointments: true,
}

var table = map[identity.Role]map[Operation]bool{
	identity.RoleClient: {
		OpBookAppointment: true,
		OpSubscribe:       true,
		OpApplyPartner:    true,
	},
	identity.RolePartner: {
		OpManageService:      true,
		OpManageAppointments: true,
	},
}

// Allowed reports whether role may perform op. Admins may perform everything.
func Allowed(role identity.Role, op Operation) bool {
	if role == identity.RoleAdmin {
		return true
	}
	return table[role][op]
}

// Check denies op for callers whose role is not granted it.
func Check(caller identity.Caller, op Operation) error {
	if caller.UserID == "" || !Allowed(caller.Role, op) {
		return fmt.Errorf("%w: %s may not %s", ErrForbidden, roleLabel(caller.Role), op)
	}
	return nil
}

// CheckSalon is Check plus ownership: a partner may only act on the salon they own.
func CheckSalon(caller identity.Caller, op Operation, salonOwnerID string) error {
	if err := Check(caller, op); err != nil {
		return err
	}
	if caller.IsAdmin() || !salonScoped[op] {
		return nil
	}
	if salonOwnerID == "" || salonOwnerID != caller.UserID {
		return fmt.Errorf("%w: salon not owned by caller", ErrForbidden)
	}
	return nil
}

func roleLabel(role identity.Role) string {
	if role == "" {
		return "anonymous"
	}
	return string(role)
}
