package secrets

// DefaultRules returns the extra rules applied on top of the Gitleaks set.
// They cover credentials that show up in drafted config and docs but have no
// dedicated Gitleaks rule.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "database-url",
			Description: "connection URL with embedded credentials",
			Pattern:     `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^\s:/@]+:[^\s@]+@[^\s]+`,
		},
		{
			ID:          "password-assignment",
			Description: "literal password assigned to a password field",
			Pattern:     `(?i)\b(?:password|passwd)\b\s*[:=]\s*['"][^\s'"]{8,}['"]`,
			Keywords:    []string{"passw"},
		},
	}
}
