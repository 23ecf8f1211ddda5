package rbac

import "testing"

func TestEffectiveRole(t *testing.T) {
	tests := []struct {
		idp, local, want string
	}{
		{RoleUser, "", RoleUser},
		{RoleUser, RoleExaminer, RoleExaminer},
		{RoleAdmin, RoleUser, RoleAdmin},
		{"", RoleExaminer, RoleExaminer},
		{RoleExaminer, RoleAdmin, RoleAdmin},
	}
	for _, tt := range tests {
		if got := EffectiveRole(tt.idp, tt.local); got != tt.want {
			t.Errorf("EffectiveRole(%q, %q) = %q, ожидалось %q", tt.idp, tt.local, got, tt.want)
		}
	}
}

func TestGroupMapping_Role(t *testing.T) {
	m := GroupMapping{Admin: []string{"disclosure-admins"}, Examiner: []string{"/disclosure-examiners"}}

	tests := []struct {
		name   string
		groups []string
		want   string
	}{
		{"без групп", nil, RoleUser},
		{"посторонняя группа", []string{"staff"}, RoleUser},
		{"проверяющий", []string{"disclosure-examiners"}, RoleExaminer},
		{"администратор", []string{"disclosure-admins"}, RoleAdmin},
		{"обе группы", []string{"disclosure-examiners", "disclosure-admins"}, RoleAdmin},
		{"полный путь группы", []string{"/disclosure-admins"}, RoleAdmin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Role(tt.groups); got != tt.want {
				t.Errorf("Role(%v) = %q, ожидалось %q", tt.groups, got, tt.want)
			}
		})
	}
}

func TestOutranksAndAssignable(t *testing.T) {
	if !Outranks(RoleExaminer, RoleUser) || Outranks(RoleExaminer, RoleExaminer) || Outranks(RoleUser, RoleAdmin) {
		t.Error("Outranks: неверный порядок ролей")
	}
	if !Outranks(RoleUser, "") {
		t.Error("Outranks: любая роль выше пустой")
	}

	for role, want := range map[string]bool{
		RoleUser:     false,
		RoleExaminer: true,
		RoleAdmin:    false,
		"":           false,
	} {
		if got := Assignable(role); got != want {
			t.Errorf("Assignable(%q) = %v, ожидалось %v", role, got, want)
		}
	}
}

func TestCan(t *testing.T) {
	tests := []struct {
		role string
		cap  Capability
		want bool
	}{
		{RoleUser, CapSubmit, true},
		{RoleUser, CapAssign, false},
		{RoleUser, CapViewAll, false},
		{RoleExaminer, CapAssign, true},
		{RoleExaminer, CapReview, true},
		{RoleExaminer, CapReject, false},
		{RoleExaminer, CapViewAll, false},
		{RoleAdmin, CapReject, true},
		{RoleAdmin, CapManageUsers, true},
		{"unknown", CapSubmit, false},
	}
	for _, tt := range tests {
		if got := Can(tt.role, tt.cap); got != tt.want {
			t.Errorf("Can(%q, %q) = %v, ожидалось %v", tt.role, tt.cap, got, tt.want)
		}
	}
}

func TestIsValidRole(t *testing.T) {
	for _, r := range []string{RoleUser, RoleExaminer, RoleAdmin} {
		if !IsValidRole(r) {
			t.Errorf("IsValidRole(%q) = false", r)
		}
	}
	if IsValidRole("readonly") {
		t.Error("IsValidRole(readonly) = true, ожидалось false")
	}
}

func TestCapabilities(t *testing.T) {
	if got := Capabilities(RoleUser); len(got) != 1 || got[0] != CapSubmit {
		t.Errorf("Capabilities(user) = %v, ожидалось [submit]", got)
	}
	if got := Capabilities(RoleAdmin); len(got) != len(allCapabilities) {
		t.Errorf("Capabilities(admin) = %v, ожидались все полномочия", got)
	}
	if got := Capabilities("guest"); len(got) != 0 {
		t.Errorf("Capabilities(guest) = %v, ожидался пустой список", got)
	}
}
