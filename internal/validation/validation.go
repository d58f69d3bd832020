// Package validation provides input validation for the yieldguard API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxEntityIDLength bounds asset, validator, protocol and strategy ids.
const MaxEntityIDLength = 128

// entityIDRegex accepts ids such as "steth", "aave-v3:usdc" or "lido.validator.42".
var entityIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._:/-]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress reports whether addr is a 0x-prefixed 20-byte hex address.
func IsValidAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// NormalizeAddress trims and lower-cases a hex address. ok is false when addr
// is not a valid address.
func NormalizeAddress(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if !IsValidAddress(addr) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), true
}

// NormalizeEntityID trims and lower-cases an entity id.
func NormalizeEntityID(id string) (string, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" || len(id) > MaxEntityIDLength || !entityIDRegex.MatchString(id) {
		return "", false
	}
	return id, true
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks an optional address field.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidAddress(strings.TrimSpace(value)) {
			return &ValidationError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// ValidEntityID checks an optional entity id field.
func ValidEntityID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, ok := NormalizeEntityID(value); !ok {
			return &ValidationError{Field: field, Message: "must be a lower-case id of letters, digits and ._:/-"}
		}
		return nil
	}
}

// AddressParamMiddleware rejects requests whose :address URL parameter is
// not a valid address. Routes without the parameter pass through.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}

// EntityParamMiddleware rejects malformed entity ids in the named URL
// parameters.
func EntityParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			v := c.Param(p)
			if v == "" {
				continue
			}
			if _, ok := NormalizeEntityID(v); !ok {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_entity",
					"message": p + " must be a lower-case id of letters, digits and ._:/-",
				})
				return
			}
		}
		c.Next()
	}
}
