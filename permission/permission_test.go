package permission

import (
	"errors"
	"reflect"
	"testing"
)

func TestRegistryAssignsSequentialBits(t *testing.T) {
	r := NewRegistry(true)
	for i, name := range []string{"a:read", "a:write", "b:read"} {
		bit, err := r.Register(name)
		if err != nil || bit != i {
			t.Fatalf("register %s: bit=%d err=%v", name, bit, err)
		}
	}
	if _, err := r.Register("a:read"); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	r.Freeze()
	if _, err := r.Register("c:read"); !errors.Is(err, ErrRegistryFrozen) {
		t.Fatalf("expected ErrRegistryFrozen, got %v", err)
	}
	if name, ok := r.Name(1); !ok || name != "a:write" {
		t.Fatalf("unexpected name %q", name)
	}
}

func TestRegistryRootBitLimit(t *testing.T) {
	r := NewRegistry(true)
	for i := 0; i < 63; i++ {
		if _, err := r.Register(string(rune('A'+i%26)) + string(rune('0'+i/26))); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if _, err := r.Register("overflow"); err == nil {
		t.Fatal("expected limit error with root bit reserved")
	}
	if bit, ok := r.RootBit(); !ok || bit != 63 {
		t.Fatalf("unexpected root bit %d", bit)
	}
}

func TestNamesAndRoot(t *testing.T) {
	r := NewRegistry(true)
	if err := r.RegisterAll([]string{"x:read", "x:write", "y:read"}); err != nil {
		t.Fatal(err)
	}
	var m Mask64
	m.Set(0)
	m.Set(2)
	if got := r.Names(m); !reflect.DeepEqual(got, []string{"x:read", "y:read"}) {
		t.Fatalf("unexpected names %v", got)
	}

	var root Mask64
	root.Set(63)
	if got := r.Names(root); len(got) != 3 {
		t.Fatalf("root mask must contain every permission, got %v", got)
	}
	if !r.Has(root, "x:write") || r.Has(m, "x:write") || r.Has(root, "unknown") {
		t.Fatal("unexpected Has result")
	}
}

func TestRoleWildcards(t *testing.T) {
	r := NewRegistry(true)
	if err := r.RegisterAll([]string{"doc:read", "doc:approve", "capa:read"}); err != nil {
		t.Fatal(err)
	}
	rm := NewRoleManager(r)
	if err := rm.RegisterRole("DOCS", []string{"doc:*"}); err != nil {
		t.Fatal(err)
	}
	if err := rm.RegisterRole("ROOT", []string{Wildcard}); err != nil {
		t.Fatal(err)
	}
	if err := rm.RegisterRole("BAD", []string{"nope:*"}); err == nil {
		t.Fatal("expected unmatched resource wildcard to fail")
	}
	if err := rm.RegisterRole("BAD2", []string{"doc:delete"}); err == nil {
		t.Fatal("expected unknown permission to fail")
	}

	m, _ := rm.GetMask("DOCS")
	if got := r.Names(m); !reflect.DeepEqual(got, []string{"doc:read", "doc:approve"}) {
		t.Fatalf("unexpected wildcard expansion %v", got)
	}
	if !rm.IsPrivileged([]string{"DOCS", "ROOT"}) || rm.IsPrivileged([]string{"DOCS"}) {
		t.Fatal("unexpected privilege classification")
	}

	noRoot := NewRoleManager(NewRegistry(false))
	if err := noRoot.RegisterRole("ROOT", []string{Wildcard}); err == nil {
		t.Fatal("expected root request without reserved bit to fail")
	}
}

func TestMaskForRolesUnionAndUnknown(t *testing.T) {
	reg, rm, err := Setup(DefaultPermissions(), DefaultRoles())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	mask, unknown := rm.MaskForRoles([]string{RoleQCAnalyst, RoleWarehouseClerk, "RETIRED_ROLE"})
	if !reflect.DeepEqual(unknown, []string{"RETIRED_ROLE"}) {
		t.Fatalf("unexpected unknown roles %v", unknown)
	}
	for _, want := range []string{"result:enter", "inventory:receive", "document:read"} {
		if !reg.Has(mask, want) {
			t.Fatalf("expected %s in union mask", want)
		}
	}
	if reg.Has(mask, "batch:release") {
		t.Fatal("batch:release must not be granted to analyst or clerk")
	}
}

func TestGMPCatalogue(t *testing.T) {
	reg, rm, err := Setup(DefaultPermissions(), DefaultRoles())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if rm.Count() != 12 {
		t.Fatalf("expected 12 roles, got %d", rm.Count())
	}

	cases := []struct {
		role  string
		perm  string
		allow bool
	}{
		{RoleAdmin, "user:manage", true},
		{RoleAdmin, "batch:release", true},
		{RoleQAManager, "batch:release", true},
		{RoleQAManager, "capa:verify", true},
		{RoleQAOfficer, "batch:release", false},
		{RoleQAOfficer, "deviation:create", true},
		{RoleLabSupervisor, "sample:dispose", true},
		{RoleQCAnalyst, "result:approve", false},
		{RoleDocController, "document:retire", true},
		{RoleAuditor, "audit_trail:read", true},
		{RoleAuditor, "deviation:create", false},
		{RoleSalesRep, "customer:manage", true},
		{RoleHROfficer, "training:assign", true},
		{RoleMaintenanceEngineer, "equipment:calibrate", true},
	}
	for _, tc := range cases {
		m, ok := rm.GetMask(tc.role)
		if !ok {
			t.Fatalf("role %s missing", tc.role)
		}
		if got := reg.Has(m, tc.perm); got != tc.allow {
			t.Fatalf("%s/%s = %v, want %v", tc.role, tc.perm, got, tc.allow)
		}
	}
}

func TestMaskCodec(t *testing.T) {
	var m Mask64
	m.Set(3)
	m.Set(63)
	got, err := DecodeMask(EncodeMask(m))
	if err != nil || got != m {
		t.Fatalf("codec mismatch: %v err=%v", got, err)
	}
	if _, err := DecodeMask([]byte{9, 0, 0, 0, 0, 0, 0, 0, 0}); !errors.Is(err, ErrInvalidMaskEncoding) {
		t.Fatalf("expected version error, got %v", err)
	}
}
