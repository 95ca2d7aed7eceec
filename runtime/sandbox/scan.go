package sandbox

import (
	"regexp"
	"strings"
)

type (
	// Violation is one tripped policy pattern in a command's output.
	Violation struct {
		// Category groups the pattern: sensitive_data, destructive_command,
		// network_access, privilege_escalation.
		Category string `json:"category"`
		// Pattern is the rule that matched.
		Pattern string `json:"pattern"`
		// Line is the offending output line, truncated.
		Line string `json:"line"`
	}

	// Scanner matches command output against the violation rules.
	Scanner struct {
		rules []rule
	}

	rule struct {
		category string
		pattern  string
		re       *regexp.Regexp
	}
)

const maxLineLen = 200

// defaultRules are the built-in violation patterns, matched case-insensitively
// per output line.
var defaultRules = []struct {
	category string
	pattern  string
	expr     string
}{
	{"sensitive_data", "aws access key", `AKIA[0-9A-Z]{16}`},
	{"sensitive_data", "private key block", `-----BEGIN [A-Z ]*PRIVATE KEY-----`},
	{"sensitive_data", "password assignment", `(?i)password\s*[=:]\s*\S+`},
	{"destructive_command", "recursive root removal", `(?i)rm\s+-rf\s+/(\s|$)`},
	{"destructive_command", "filesystem format", `(?i)mkfs\.\w+`},
	{"destructive_command", "raw disk write", `(?i)dd\s+.*of=/dev/`},
	{"network_access", "outbound transfer", `(?i)\b(curl|wget)\s+https?://`},
	{"network_access", "reverse shell", `(?i)\bnc\s+(-\w+\s+)*\d{1,3}(\.\d{1,3}){3}\s+\d+`},
	{"privilege_escalation", "sudo invocation", `(?i)\bsudo\s+\S`},
	{"privilege_escalation", "setuid chmod", `(?i)chmod\s+[ugo]*\+s|chmod\s+[42][0-7]{3}`},
}

// NewScanner builds a scanner with the built-in rules.
func NewScanner() *Scanner {
	s := &Scanner{}
	for _, r := range defaultRules {
		s.rules = append(s.rules, rule{
			category: r.category,
			pattern:  r.pattern,
			re:       regexp.MustCompile(r.expr),
		})
	}
	return s
}

// Add registers an extra rule. Invalid expressions return the compile error.
func (s *Scanner) Add(category, pattern, expr string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return err
	}
	s.rules = append(s.rules, rule{category: category, pattern: pattern, re: re})
	return nil
}

// clone copies the scanner so per-run rules never leak into the shared set.
func (s *Scanner) clone() *Scanner {
	return &Scanner{rules: append([]rule(nil), s.rules...)}
}

// Scan checks every output line against every rule and returns the matches.
func (s *Scanner) Scan(output string) []Violation {
	var out []Violation
	for _, line := range strings.Split(output, "\n") {
		out = append(out, s.ScanLine(line)...)
	}
	return out
}

// ScanLine checks a single output line against every rule.
func (s *Scanner) ScanLine(line string) []Violation {
	var out []Violation
	for _, r := range s.rules {
		if r.re.MatchString(line) {
			out = append(out, Violation{
				Category: r.category,
				Pattern:  r.pattern,
				Line:     truncate(strings.TrimSpace(line)),
			})
		}
	}
	return out
}

func truncate(s string) string {
	if len(s) <= maxLineLen {
		return s
	}
	return s[:maxLineLen] + "..."
}
