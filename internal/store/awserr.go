package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// AWS error codes grouped by the store error class they map to.
var (
	awsPermissionCodes = map[string]bool{
		"AccessDenied":          true,
		"AccessDeniedException": true,
		"UnauthorizedOperation": true,
		"Forbidden":             true,
		"InvalidAccessKeyId":    true,
		"ExpiredToken":          true,
	}
	awsConflictCodes = map[string]bool{
		"PreconditionFailed":              true,
		"ConditionalRequestConflict":      true,
		"ConditionalCheckFailedException": true,
		"ParameterAlreadyExists":          true,
	}
	awsNotFoundCodes = map[string]bool{
		"NoSuchKey":         true,
		"NotFound":          true,
		"ParameterNotFound": true,
	}
	// A missing table or bucket is a deployment fault, never an absent
	// record.
	awsMissingResourceCodes = map[string]bool{
		"ResourceNotFoundException": true,
		"NoSuchBucket":              true,
	}
	awsTooLargeCodes = map[string]bool{
		"EntityTooLarge":                           true,
		"ParameterLimitExceeded":                   true,
		"ItemCollectionSizeLimitExceededException": true,
	}
)

// ClassifyAWSError wraps an AWS SDK error with the matching store sentinel.
// Anything unrecognised is treated as transient.
func ClassifyAWSError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case awsPermissionCodes[code]:
			return fmt.Errorf("%w: %w", ErrPermission, err)
		case awsConflictCodes[code]:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case awsMissingResourceCodes[code]:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		case awsNotFoundCodes[code]:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case awsTooLargeCodes[code]:
			return fmt.Errorf("%w: %w", ErrTooLarge, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
