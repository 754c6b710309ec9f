package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RolePatient   = "patient"
	RoleTherapist = "therapist"
	RoleAdmin     = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }
