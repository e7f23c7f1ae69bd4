package shared

// Core platform capabilities referenced by the authorization gate and the
// administrative surface. The full catalog lives in the permissions table;
// these are the codes the engine itself depends on.
const (
	PermPlatformManage = "platform.manage"

	PermRolesView   = "roles.view"
	PermRolesManage = "roles.manage"

	PermPermissionsView   = "permissions.view"
	PermPermissionsManage = "permissions.manage"

	PermMembersView = "members.view"
)

// CoreCapabilities lists the capabilities the engine itself gates on.
func CoreCapabilities() []string {
	return []string{
		PermPlatformManage,
		PermRolesView,
		PermRolesManage,
		PermPermissionsView,
		PermPermissionsManage,
		PermMembersView,
	}
}
