package grpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// =============================================================================
// ARGUMENT VALIDATION
// =============================================================================

// validateRequired checks that a field is non-empty.
func validateRequired(field, fieldName string) error {
	if field == "" {
		return InvalidArgument(fieldName)
	}
	return nil
}

// =============================================================================
// STATUS BUILDERS
// =============================================================================

// InvalidArgument reports a missing or malformed field.
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// NotFound reports a resource that does not exist.
func NotFound(resourceType, id string) error {
	return status.Errorf(codes.NotFound, "%s not found: %s", resourceType, id)
}

// Internal wraps an unexpected failure.
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// ResourceExhausted reports a quota or rate limit violation.
func ResourceExhausted(resourceType, limit string) error {
	return status.Errorf(codes.ResourceExhausted, "%s limit exceeded: %s", resourceType, limit)
}

// Unavailable reports a subsystem that is not configured.
func Unavailable(subsystem string) error {
	return status.Errorf(codes.Unavailable, "%s is not enabled", subsystem)
}
