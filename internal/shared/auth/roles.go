package auth

// Role represents a user role in the referral network.
type Role string

const (
	RolePlatformAdmin    Role = "platform_admin"    // Full access, all hospitals
	RoleReferralOperator Role = "referral_operator" // Network coordination desk
	RoleHospitalAdmin    Role = "hospital_admin"    // Hospital settings and referrals
	RoleHospitalStaff    Role = "hospital_staff"    // Sends and answers referrals
	RoleHospitalViewer   Role = "hospital_viewer"   // Read-only
)

// Permission represents a specific action on a resource.
type Permission string

const (
	PermReferralCreate   Permission = "referral.create"
	PermReferralRead     Permission = "referral.read"
	PermReferralRespond  Permission = "referral.respond"
	PermReferralCancel   Permission = "referral.cancel"
	PermReferralEscalate Permission = "referral.escalate"
	PermReferralAllSites Permission = "referral.all_hospitals"
)

// RolePermissions maps roles to their default permissions.
var RolePermissions = map[Role][]Permission{
	RolePlatformAdmin: {
		PermReferralCreate, PermReferralRead, PermReferralRespond,
		PermReferralCancel, PermReferralEscalate, PermReferralAllSites,
	},
	RoleReferralOperator: {
		PermReferralRead, PermReferralRespond, PermReferralEscalate, PermReferralAllSites,
	},
	RoleHospitalAdmin: {
		PermReferralCreate, PermReferralRead, PermReferralRespond, PermReferralCancel,
	},
	RoleHospitalStaff: {
		PermReferralCreate, PermReferralRead, PermReferralRespond, PermReferralCancel,
	},
	RoleHospitalViewer: {
		PermReferralRead,
	},
}

// RoleHasPermission checks if a role grants perm by default.
func RoleHasPermission(role Role, perm Permission) bool {
	for _, p := range RolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
