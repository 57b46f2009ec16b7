// Package taxonomy loads the economic-activity code table and reconstructs its
// three-level hierarchy from the fixed-width code strings.
package taxonomy

import (
	"strings"

	"github.com/sells-group/bizdir-cli/internal/model"
)

// DefaultType is the row type retained from the taxonomy source.
const DefaultType = "economic-activity"

// MinCodeLength is the shortest code string accepted from the source.
const MinCodeLength = 3

// ValidCode reports whether code is at least MinCodeLength characters and all digits.
func ValidCode(code string) bool {
	if len(code) < MinCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// NormalizeCode trims the code and left-pads it with zeros to width.
// Width 0 disables padding; codes already at or above width are returned trimmed.
func NormalizeCode(code string, width int) string {
	code = strings.TrimSpace(code)
	if code == "" || width <= 0 || len(code) >= width {
		return code
	}
	return strings.Repeat("0", width-len(code)) + code
}

// StoredForms returns code with each leading-zero-trimmed variant, so a
// padded code also matches records stored without their leading zeros.
//
//	"0110" -> ["0110", "110"]
func StoredForms(code string) []string {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil
	}
	forms := []string{code}
	for len(code) > 1 && code[0] == '0' {
		code = code[1:]
		forms = append(forms, code)
	}
	return forms
}

// DeriveLevel returns the hierarchy level and parent code of a valid code.
// The derivation is purely syntactic on the zero-padded string:
//
//	"0100" -> level 1, no parent
//	"0110" -> level 2, parent "0100"
//	"0111" -> level 3, parent "0110"
func DeriveLevel(code string) (model.CodeLevel, string) {
	switch {
	case strings.HasSuffix(code, "00"):
		return model.LevelMajor, ""
	case strings.HasSuffix(code, "0"):
		return model.LevelIntermediate, code[:2] + "00"
	default:
		return model.LevelSpecific, code[:3] + "0"
	}
}
