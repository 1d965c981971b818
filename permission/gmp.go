package permission

// Role names of the GMP suite.
const (
	RoleAdmin               = "ADMIN"
	RoleQAManager           = "QA_MANAGER"
	RoleQAOfficer           = "QA_OFFICER"
	RoleQCAnalyst           = "QC_ANALYST"
	RoleLabSupervisor       = "LAB_SUPERVISOR"
	RoleDocController       = "DOC_CONTROLLER"
	RoleProductionOperator  = "PRODUCTION_OPERATOR"
	RoleMaintenanceEngineer = "MAINTENANCE_ENGINEER"
	RoleWarehouseClerk      = "WAREHOUSE_CLERK"
	RoleHROfficer           = "HR_OFFICER"
	RoleSalesRep            = "SALES_REP"
	RoleAuditor             = "AUDITOR"
)

// RoleDef names a role and the permission entries composing it.
type RoleDef struct {
	Name        string
	Permissions []string
}

// DefaultPermissions is the permission catalogue of the suite in bit order.
// Appending is safe; reordering changes the meaning of stored masks.
func DefaultPermissions() []string {
	return []string{
		"document:read", "document:create", "document:approve", "document:retire",
		"deviation:read", "deviation:create", "deviation:investigate", "deviation:close",
		"capa:read", "capa:create", "capa:approve", "capa:verify",
		"change_control:read", "change_control:create", "change_control:approve",
		"sample:read", "sample:register", "sample:dispose",
		"result:read", "result:enter", "result:review", "result:approve",
		"equipment:read", "equipment:calibrate", "equipment:maintain",
		"batch:release",
		"training:read", "training:assign", "training:record",
		"customer:read", "customer:manage",
		"inventory:read", "inventory:receive", "inventory:issue",
		"user:manage",
		"audit_trail:read",
	}
}

// DefaultRoles is the role catalogue of the suite.
func DefaultRoles() []RoleDef {
	return []RoleDef{
		{RoleAdmin, []string{Wildcard}},
		{RoleQAManager, []string{
			"document:read", "document:approve",
			"deviation:*", "capa:*", "change_control:*",
			"result:read", "batch:release", "training:read", "audit_trail:read",
		}},
		{RoleQAOfficer, []string{
			"document:read", "document:create",
			"deviation:read", "deviation:create", "deviation:investigate",
			"capa:read", "capa:create",
			"change_control:read", "change_control:create",
			"training:read",
		}},
		{RoleQCAnalyst, []string{
			"document:read", "deviation:create",
			"sample:read", "sample:register",
			"result:read", "result:enter",
			"equipment:read",
		}},
		{RoleLabSupervisor, []string{
			"document:read", "deviation:read", "deviation:create",
			"sample:*", "result:read", "result:review", "result:approve",
			"equipment:read",
		}},
		{RoleDocController, []string{"document:*", "change_control:read", "training:read"}},
		{RoleProductionOperator, []string{
			"document:read", "deviation:create",
			"equipment:read", "inventory:read", "inventory:issue",
			"training:read",
		}},
		{RoleMaintenanceEngineer, []string{"equipment:*", "document:read", "deviation:create", "change_control:read"}},
		{RoleWarehouseClerk, []string{"inventory:*", "document:read"}},
		{RoleHROfficer, []string{"training:*", "document:read"}},
		{RoleSalesRep, []string{"customer:*", "inventory:read"}},
		{RoleAuditor, []string{
			"document:read", "deviation:read", "capa:read", "change_control:read",
			"sample:read", "result:read", "equipment:read", "training:read",
			"customer:read", "inventory:read", "audit_trail:read",
		}},
	}
}

// Setup registers perms and roles on a fresh registry with the root bit
// reserved, then freezes both.
func Setup(perms []string, roles []RoleDef) (*Registry, *RoleManager, error) {
	reg := NewRegistry(true)
	if err := reg.RegisterAll(perms); err != nil {
		return nil, nil, err
	}
	reg.Freeze()

	rm := NewRoleManager(reg)
	for _, r := range roles {
		if err := rm.RegisterRole(r.Name, r.Permissions); err != nil {
			return nil, nil, err
		}
	}
	rm.Freeze()
	return reg, rm, nil
}
