package bundle

// User and index constants shared by the installers and the registries.
const (
	InitialAppIndex = 0
	MaxAppIndex     = 100

	DefaultUserID = 100
	AllUserID     = -2
	InvalidUserID = -1

	InvalidUID    = -1
	BaseAppUID    = 10000
	BaseUserRange = 200000

	DLPType1 = 1
	DLPType2 = 2
)

// IsValidDLPType reports whether t names a supported DLP sandbox flavour.
func IsValidDLPType(t int) bool {
	return t == DLPType1 || t == DLPType2
}

// UserIDFromUID recovers the owning user of a uid.
func UserIDFromUID(uid int) int {
	if uid < 0 {
		return InvalidUserID
	}
	return uid / BaseUserRange
}

// ComposeUID builds the uid for appID under userID.
func ComposeUID(userID, appID int) int {
	return userID*BaseUserRange + appID
}
