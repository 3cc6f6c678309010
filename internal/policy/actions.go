package policy

// Permission codenames known to the core.
const (
	PermViewReport        = "view_report"
	PermEditReport        = "edit_report"
	PermCreateReport      = "create_report"
	PermDeleteReport      = "delete_report"
	PermExportReport      = "export_report"
	PermAnalyzeReport     = "analyze_report"
	PermViewPatient       = "view_patient"
	PermEditPatient       = "edit_patient"
	PermViewTerminology   = "view_terminology"
	PermManageTerminology = "manage_terminology"
	PermManageUsers       = "manage_users"
	PermManageRoles       = "manage_roles"
	PermViewAuditLog      = "view_audit_log"
	PermManageSessions    = "manage_sessions"
)

// Role names the core relies on.
const (
	RoleAdmin  = "ADMIN"
	RoleSystem = "SYSTEM"
)

// CatalogueEntry describes a permission seeded at start-up.
type CatalogueEntry struct {
	Codename    string
	DisplayName string
	Category    string
}

// Catalogue is the permission set seeded into every deployment.
var Catalogue = []CatalogueEntry{
	{PermViewReport, "View reports", "reports"},
	{PermEditReport, "Edit reports", "reports"},
	{PermCreateReport, "Create reports", "reports"},
	{PermDeleteReport, "Delete reports", "reports"},
	{PermExportReport, "Export reports", "reports"},
	{PermAnalyzeReport, "Run report analysis", "reports"},
	{PermViewPatient, "View patients", "patients"},
	{PermEditPatient, "Edit patients", "patients"},
	{PermViewTerminology, "View terminology", "terminology"},
	{PermManageTerminology, "Manage terminology", "terminology"},
	{PermManageUsers, "Manage users", "administration"},
	{PermManageRoles, "Manage roles", "administration"},
	{PermViewAuditLog, "View audit log", "administration"},
	{PermManageSessions, "Manage sessions", "administration"},
}

type resourceAction struct {
	resource string
	action   string
}

// actionTable maps (resource kind, action) to the permission codename it requires.
var actionTable = map[resourceAction]string{
	{"report", "view"}:        PermViewReport,
	{"report", "edit"}:        PermEditReport,
	{"report", "create"}:      PermCreateReport,
	{"report", "delete"}:      PermDeleteReport,
	{"report", "export"}:      PermExportReport,
	{"report", "analyze"}:     PermAnalyzeReport,
	{"patient", "view"}:       PermViewPatient,
	{"patient", "edit"}:       PermEditPatient,
	{"terminology", "view"}:   PermViewTerminology,
	{"terminology", "manage"}: PermManageTerminology,
	{"user", "manage"}:        PermManageUsers,
	{"role", "manage"}:        PermManageRoles,
	{"audit_log", "view"}:     PermViewAuditLog,
	{"session", "manage"}:     PermManageSessions,
}

// PermissionFor returns the codename required for action on resource.
func PermissionFor(resource, action string) (string, bool) {
	p, ok := actionTable[resourceAction{resource, action}]
	return p, ok
}
