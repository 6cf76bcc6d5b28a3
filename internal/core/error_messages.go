// # Error Codes Reference
//
// This file maps technical errors to user-facing messages with a code that
// can be quoted to support. Job failures store the code in ImportJob.ErrorCode
// and the HTTP layer returns it in every error body.
//
// # Import Errors (IMP001-IMP099)
//
//	IMP001 - Unknown import type
//	IMP002 - Unsupported file format
//	IMP003 - Idempotency key reused with a different file
//	IMP004 - Import not found
//	IMP005 - Import still running
//	IMP006 - Failed record not found
//	IMP007 - Import stalled
//	IMP008 - Import timed out
//	IMP009 - Import cancelled
//
// # Upload Errors (UPL001-UPL099)
//
//	UPL001 - Upload handle not found or expired
//	UPL002 - System busy: too many imports in progress
//	UPL003 - Upload incomplete: object missing or smaller than declared
//	UPL004 - Request cancelled
//	UPL005 - Request timed out
//	UPL006 - Invalid checksum format
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large
//	FILE002 - Corrupt or unreadable file
//	FILE003 - Checksum mismatch between declared and received bytes
//	FILE004 - Stored object missing
//	FILE005 - Empty file
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Invalid date
//	VAL002 - Invalid number
//	VAL003 - Required field is empty
//	VAL004 - Required column missing from the header
//	VAL005 - Malformed row
//	VAL006 - Value not in the allowed list
//	VAL007 - Text is not valid UTF-8
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key
//	DB002 - Unique constraint
//	DB003 - Foreign key
//	DB004 - Connection refused
//	DB005 - Connection reset
//	DB006 - Timeout
//	DB007 - Deadlock
//	DB008 - Storage unavailable
//
// # Rate Limiting (RATE001-RATE099)
//
//	RATE001 - Too many requests
//
// # Default Error (ERR000)
//
// Fallback when nothing matches. Check application logs for the original
// technical error.
//
// # Matching
//
// Sentinel errors are matched first with errors.Is, so wrapped errors keep
// their code. Anything else falls through to case-insensitive substring
// patterns; the first match wins, so specific patterns come first.
package core

import (
	"context"
	"errors"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

// sentinelMessages is checked in order with errors.Is. Storage outage comes
// last because it wraps the underlying driver error, which may itself match
// a more specific entry.
var sentinelMessages = []sentinelMessage{
	{ErrInvalidSchemaType, UserMessage{"Unknown import type", "Choose one of the listed import types", "IMP001"}},
	{ErrUnsupportedContentType, UserMessage{"Unsupported file format", "Upload a CSV or XLSX file", "IMP002"}},
	{ErrIdempotencyMismatch, UserMessage{"This upload was already completed with a different file", "Start a new upload for the new file", "IMP003"}},
	{ErrJobNotFound, UserMessage{"Import not found", "The import may have expired. Start a new upload", "IMP004"}},
	{ErrJobNotFinished, UserMessage{"Import is still running", "Wait for the import to finish and try again", "IMP005"}},
	{ErrRecordNotFound, UserMessage{"Failed record not found", "Refresh the list of failed records", "IMP006"}},
	{ErrJobStalled, UserMessage{"Import stopped making progress", "Please try the upload again", "IMP007"}},
	{ErrJobTimeout, UserMessage{"Import took too long", "Split the file into smaller chunks", "IMP008"}},
	{errCancelRequested, UserMessage{"Import was cancelled", "Start a new upload when ready", "IMP009"}},

	{ErrUploadNotFound, UserMessage{"Upload session not found", "The upload may have expired. Please start a new upload", "UPL001"}},
	{ErrTooManyJobs, UserMessage{"System is busy processing other imports", "Please wait a moment and try again", "UPL002"}},
	{ErrUploadIncomplete, UserMessage{"The file has not finished uploading", "Finish the upload before completing it", "UPL003"}},
	{ErrInvalidChecksum, UserMessage{"Invalid file checksum", "Send the SHA-256 of the file as 64 hex characters", "UPL006"}},

	{ErrPayloadTooLarge, UserMessage{"File exceeds the size limit for this import type", "Split the file into smaller chunks", "FILE001"}},
	{ErrCorruptFile, UserMessage{"File could not be read", "Re-export the file and upload it again", "FILE002"}},
	{ErrChecksumMismatch, UserMessage{"File changed during upload", "Upload the file again", "FILE003"}},
	{ErrObjectNotFound, UserMessage{"Uploaded file is missing", "Upload the file again", "FILE004"}},
	{ErrEmptyFile, UserMessage{"The uploaded file is empty", "Please upload a file with data rows", "FILE005"}},
	{ErrMissingColumns, UserMessage{"Required column is missing from the file", "Check that all required columns are present in your file", "VAL004"}},

	{context.Canceled, UserMessage{"Request was cancelled", "Please try again", "UPL004"}},
	{context.DeadlineExceeded, UserMessage{"Request timed out", "Try a smaller file or check your connection", "UPL005"}},

	{ErrStorageUnavailable, UserMessage{"Storage is temporarily unavailable", "Please try again in a few moments", "DB008"}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error text (case-insensitive) to user messages.
// Used for row-level reasons and driver errors that carry no sentinel.
var errorPatterns = []errorPattern{
	// Database constraint errors
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this ID already exists",
			Action:  "Download failed rows to review duplicates",
			Code:    "DB001",
		},
	},
	{
		pattern: "unique constraint",
		msg: UserMessage{
			Message: "This value must be unique but already exists",
			Action:  "Check for duplicate entries in your file",
			Code:    "DB002",
		},
	},
	{
		pattern: "violates unique",
		msg: UserMessage{
			Message: "A duplicate value was found",
			Action:  "Review your data for duplicate key values",
			Code:    "DB002",
		},
	},
	{
		pattern: "foreign key",
		msg: UserMessage{
			Message: "Referenced record does not exist",
			Action:  "Ensure parent records are imported first",
			Code:    "DB003",
		},
	},

	// Database connection errors
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB005",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Try uploading a smaller file or try again later",
			Code:    "DB006",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB007",
		},
	},

	// Row validation
	{
		pattern: "invalid date",
		msg: UserMessage{
			Message: "Invalid date format detected",
			Action:  "Use YYYY-MM-DD, DD/MM/YYYY, or 15 Jan 2024",
			Code:    "VAL001",
		},
	},
	{
		pattern: "invalid number",
		msg: UserMessage{
			Message: "Invalid number format detected",
			Action:  "Use a plain decimal number",
			Code:    "VAL002",
		},
	},
	{
		pattern: "invalid integer",
		msg: UserMessage{
			Message: "Invalid number format detected",
			Action:  "Use a whole number",
			Code:    "VAL002",
		},
	},
	{
		pattern: "required field",
		msg: UserMessage{
			Message: "Required field is empty",
			Action:  "Ensure all required columns have values",
			Code:    "VAL003",
		},
	},
	{
		pattern: "malformed row",
		msg: UserMessage{
			Message: "Row could not be parsed",
			Action:  "Check quoting and delimiters on this row",
			Code:    "VAL005",
		},
	},
	{
		pattern: "wrong column count",
		msg: UserMessage{
			Message: "Row has a different number of columns than the header",
			Action:  "Check delimiters on this row",
			Code:    "VAL005",
		},
	},
	{
		pattern: "malformed encoding",
		msg: UserMessage{
			Message: "Row contains text that is not valid UTF-8",
			Action:  "Save the file with UTF-8 encoding and upload it again",
			Code:    "VAL007",
		},
	},
	{
		pattern: "invalid enum",
		msg: UserMessage{
			Message: "Value is not in the allowed list",
			Action:  "Check the allowed values for this field",
			Code:    "VAL006",
		},
	},

	// Rate limiting
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. Returns
// the zero UserMessage for nil.
//
// Example:
//
//	msg := MapError(fmt.Errorf("complete: %w", ErrIdempotencyMismatch))
//	// msg.Code == "IMP003"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, s := range sentinelMessages {
		if errors.Is(err, s.err) {
			return s.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
