// Package validation provides wallet-address, transaction-signature and
// request-payload validation shared by the protocol components and the
// HTTP layer.
//
// Two settlement families are accepted: EVM chains (0x-prefixed hex
// addresses and transaction hashes) and Solana (base58 public keys and
// 64-byte transaction signatures).
package validation

import (
	"math"
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

var evmTxHashRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks for a 0x-prefixed 20-byte hex address.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsValidSolanaAddress checks for a base58-encoded 32-byte public key.
func IsValidSolanaAddress(addr string) bool {
	if addr == "" || strings.HasPrefix(addr, "0x") {
		return false
	}
	_, err := solana.PublicKeyFromBase58(addr)
	return err == nil
}

// IsValidAddress accepts either an EVM or a Solana wallet address.
func IsValidAddress(addr string) bool {
	return IsValidEthAddress(addr) || IsValidSolanaAddress(addr)
}

// IsValidEVMTxHash checks for a 0x-prefixed 32-byte transaction hash.
func IsValidEVMTxHash(sig string) bool {
	return evmTxHashRegex.MatchString(sig)
}

// IsValidSolanaSignature checks for a base58-encoded 64-byte signature.
func IsValidSolanaSignature(sig string) bool {
	if sig == "" || strings.HasPrefix(sig, "0x") {
		return false
	}
	_, err := solana.SignatureFromBase58(sig)
	return err == nil
}

// IsValidSignature accepts either an EVM transaction hash or a Solana
// transaction signature.
func IsValidSignature(sig string) bool {
	return IsValidEVMTxHash(sig) || IsValidSolanaSignature(sig)
}

// IsPositiveAmount rejects zero, negative, NaN and infinite amounts.
func IsPositiveAmount(amount float64) bool {
	return amount > 0 && !math.IsNaN(amount) && !math.IsInf(amount, 0)
}

// SanitizeAddress trims whitespace and lowercases EVM addresses. Solana
// addresses are case-sensitive base58 and are only trimmed.
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(strings.ToLower(addr), "0x") {
		return strings.ToLower(addr)
	}
	if len(addr) == 40 && common.IsHexAddress(addr) {
		return "0x" + strings.ToLower(addr)
	}
	return addr
}

// SanitizeString trims whitespace, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
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

// Validate runs every validator and collects the failures.
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

// ValidAddress checks that a non-empty field is an EVM or Solana address.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid EVM (0x...) or Solana (base58) address"}
		}
		return nil
	}
}

// ValidSignature checks that a non-empty field is a transaction signature.
func ValidSignature(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidSignature(value) {
			return &ValidationError{Field: field, Message: "must be an EVM tx hash or a Solana signature"}
		}
		return nil
	}
}

// PositiveAmount checks that a numeric field is greater than zero.
func PositiveAmount(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if !IsPositiveAmount(value) {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
