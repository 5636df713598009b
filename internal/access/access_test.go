package access

import (
	"errors"
	"testing"

	"stockflow/internal/apperr"
	"stockflow/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name    string
		current models.Role
		min     models.Role
		want    bool
	}{
		{"admin over manager", models.RoleAdmin, models.RoleManager, true},
		{"manager equals manager", models.RoleManager, models.RoleManager, true},
		{"viewer below manager", models.RoleViewer, models.RoleManager, false},
		{"viewer equals viewer", models.RoleViewer, models.RoleViewer, true},
		{"sales staff ranks as viewer", models.RoleSalesStaff, models.RoleViewer, true},
		{"sales staff below manager", models.RoleSalesStaff, models.RoleManager, false},
		{"empty role", "", models.RoleViewer, false},
		{"unknown role", "Owner", models.RoleViewer, false},
		{"unknown minimum", models.RoleAdmin, "Owner", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasPermission(tt.current, tt.min))
		})
	}
}

func TestRequire(t *testing.T) {
	assert.True(t, errors.Is(Require(nil, models.RoleViewer), apperr.ErrPermissionDenied))
	assert.True(t, errors.Is(Require(&Session{Role: models.RoleViewer}, models.RoleManager), apperr.ErrPermissionDenied))
	assert.NoError(t, Require(&Session{Role: models.RoleAdmin}, models.RoleManager))
}

func TestRanksAreTotallyOrdered(t *testing.T) {
	assert.Less(t, Rank(models.RoleViewer), Rank(models.RoleManager))
	assert.Less(t, Rank(models.RoleManager), Rank(models.RoleAdmin))
	assert.Equal(t, 0, Rank("nobody"))
	assert.True(t, Known(models.RoleSalesStaff))
	assert.False(t, Known("nobody"))
}
