package services

import (
	"errors"
	"fmt"
	"strings"
)

// Scope resolution failures. Transport handlers translate these into HTTP
// statuses; ErrRoleNotHeld and ErrWildcardForbidden are permission problems,
// the rest are malformed requests.
var (
	ErrInvalidRole       = errors.New("invalid role")
	ErrRoleNotHeld       = errors.New("user does not have the requested role")
	ErrIdentityRequired  = errors.New("user identity required")
	ErrPatientIDRequired = errors.New("patient_id required for non-admin roles")
	ErrWildcardForbidden = errors.New("only admins may subscribe to all patients")
)

// rolePermissions maps a requested subscription role to the platform roles
// allowed to assume it. "hospital" is a station-level feed shared by doctors
// and admins.
var rolePermissions = map[string][]string{
	"caregiver":       {"caregiver"},
	"dispatcher":      {"dispatcher"},
	"doctor":          {"doctor"},
	"nurse":           {"nurse"},
	"first_responder": {"first_responder"},
	"admin":           {"admin"},
	"hospital":        {"doctor", "admin"},
}

// ResolveScope performs the single authorization-scope check used by every
// subscriber endpoint: given the caller's identity and the requested role and
// patient, it returns the normalized role key and effective patient scope.
//
// A missing role means patient. Patients always resolve to their own ID
// regardless of what they asked for, so an anonymous caller has no scope at
// all. Other roles must be backed by one of the caller's platform roles; the
// wildcard scope (missing, "*" or "all") is admin-only.
func ResolveScope(userID string, userRoles []string, requestedRole, patientID string) (string, string, error) {
	roleKey := strings.ToLower(strings.TrimSpace(requestedRole))
	if roleKey == "" {
		roleKey = "patient"
	}

	if roleKey == "patient" {
		if strings.TrimSpace(userID) == "" {
			return "", "", ErrIdentityRequired
		}
		return roleKey, userID, nil
	}

	allowed, ok := rolePermissions[roleKey]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRole, requestedRole)
	}
	if !holdsAny(userRoles, allowed) {
		return "", "", fmt.Errorf("%w: %s", ErrRoleNotHeld, roleKey)
	}

	normalized := strings.TrimSpace(patientID)
	if normalized == "" {
		if roleKey == "admin" {
			return roleKey, WildcardScope, nil
		}
		return "", "", ErrPatientIDRequired
	}

	switch strings.ToLower(normalized) {
	case "*", "all":
		if roleKey == "admin" {
			return roleKey, WildcardScope, nil
		}
		return "", "", ErrWildcardForbidden
	}

	return roleKey, normalized, nil
}

func holdsAny(userRoles, allowed []string) bool {
	for _, have := range userRoles {
		for _, want := range allowed {
			if strings.EqualFold(strings.TrimSpace(have), want) {
				return true
			}
		}
	}
	return false
}
