package services

import (
	"fmt"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
	sqlguard "github.com/relaydesk-inc/followup-engine/pkg/sql"
)

// ResolveField translates a semantic role into the concrete column the
// tenant mapped it to. A role with no column is a configuration error
// (apperrors.ErrMappingField), never a transient one.
func ResolveField(m *models.Mapping, role string) (string, error) {
	column, ok := m.Fields[role]
	if !ok || column == "" {
		return "", fmt.Errorf("%w: %q (mapping %s)", apperrors.ErrMappingField, role, m.ID)
	}
	return column, nil
}

// BuildSelect produces the column list a rule's fetch needs: the primary
// key, the contact, and every role its condition references, deduplicated in
// that order. Roles that resolve to the same column collapse to one entry.
func BuildSelect(m *models.Mapping, conditionRoles []string) ([]string, error) {
	roles := append([]string{models.FieldRolePK, models.FieldRoleContact}, conditionRoles...)

	seen := make(map[string]bool)
	var columns []string
	for _, role := range roles {
		column, err := ResolveField(m, role)
		if err != nil {
			return nil, err
		}
		if !seen[column] {
			seen[column] = true
			columns = append(columns, column)
		}
	}
	return columns, nil
}

// ValidateMappingFields screens every mapped column name (and the resource)
// before a mapping is accepted: strict identifier syntax plus an injection
// check. These names are the only tenant-authored strings ever spliced into
// SQL sent to a tenant database.
func ValidateMappingFields(m *models.Mapping) error {
	if m.Resource == "" {
		return fmt.Errorf("%w: mapping resource is required", apperrors.ErrValidation)
	}
	if err := sqlguard.ValidateIdentifier(m.Resource); err != nil {
		return fmt.Errorf("%w: invalid resource: %w", apperrors.ErrValidation, err)
	}
	if result := sqlguard.CheckValueForInjection("resource", m.Resource); result != nil {
		return fmt.Errorf("%w: resource %q rejected (injection fingerprint %s)",
			apperrors.ErrValidation, m.Resource, result.Fingerprint)
	}

	if len(m.Fields) == 0 {
		return fmt.Errorf("%w: mapping must define at least one field", apperrors.ErrValidation)
	}
	for role, column := range m.Fields {
		if err := sqlguard.ValidateIdentifier(column); err != nil {
			return fmt.Errorf("%w: field %q: %w", apperrors.ErrValidation, role, err)
		}
		if result := sqlguard.CheckValueForInjection(role, column); result != nil {
			return fmt.Errorf("%w: field %q column %q rejected (injection fingerprint %s)",
				apperrors.ErrValidation, role, column, result.Fingerprint)
		}
	}

	// The engine cannot execute a rule without these two roles.
	for _, role := range []string{models.FieldRolePK, models.FieldRoleContact} {
		if _, ok := m.Fields[role]; !ok {
			return fmt.Errorf("%w: %q", apperrors.ErrMappingField, role)
		}
	}
	return nil
}
