package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionProctoringRead allows viewing audit trails, submissions and
	// the live proctoring monitor.
	PermissionProctoringRead Permission = "proctoring:read"

	// PermissionSystemRead allows viewing server and queue metrics.
	PermissionSystemRead Permission = "system:read"
)

// AllPermissions lists every permission an admin token may carry.
var AllPermissions = []Permission{
	PermissionProctoringRead,
	PermissionSystemRead,
}
