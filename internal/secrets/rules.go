package secrets

// Rule is a detection pattern. Keywords are lowercase substrings that must
// appear in the content before the pattern is tried.
type Rule struct {
	ID          string
	Description string
	Pattern     string
	Keywords    []string
}

// DefaultRules covers the credentials that show up in incident traffic:
// Elastic and Kibana keys, Slack and Atlassian tokens, cloud keys and the
// usual places secrets hide in URLs and log lines.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "elastic-apikey-header",
			Description: "Elastic ApiKey authorization header",
			Pattern:     `(?i)\bApiKey\s+[A-Za-z0-9+/=_\-]{20,}`,
			Keywords:    []string{"apikey"},
		},
		{
			ID:          "slack-token",
			Description: "Slack bot, user or app token",
			Pattern:     `\bxox[abposr]-[0-9A-Za-z\-]{10,}`,
			Keywords:    []string{"xox"},
		},
		{
			ID:          "slack-webhook",
			Description: "Slack incoming webhook URL",
			Pattern:     `https://hooks\.slack\.com/(?:services|workflows|triggers)/[A-Za-z0-9_/\-]+`,
			Keywords:    []string{"hooks.slack.com"},
		},
		{
			ID:          "atlassian-token",
			Description: "Atlassian API token",
			Pattern:     `\bATATT[A-Za-z0-9_\-=]{20,}`,
			Keywords:    []string{"atatt"},
		},
		{
			ID:          "aws-access-key",
			Description: "AWS access key ID",
			Pattern:     `\b(?:AKIA|ASIA|AGPA|AIDA|AROA|ANPA|ANVA)[0-9A-Z]{16}\b`,
		},
		{
			ID:          "private-key",
			Description: "PEM private key block",
			Pattern:     `-----BEGIN[ A-Z]*PRIVATE KEY-----[\s\S]*?-----END[ A-Z]*PRIVATE KEY-----`,
			Keywords:    []string{"private key"},
		},
		{
			ID:          "jwt",
			Description: "JSON web token",
			Pattern:     `\beyJ[A-Za-z0-9_\-]{8,}\.eyJ[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}`,
			Keywords:    []string{"eyj"},
		},
		{
			ID:          "bearer-token",
			Description: "Bearer authorization token",
			Pattern:     `(?i)\bbearer\s+[A-Za-z0-9_\-.=+/]{16,}`,
			Keywords:    []string{"bearer"},
		},
		{
			ID:          "url-credentials",
			Description: "Credentials embedded in a URL",
			Pattern:     `(?i)\b[a-z][a-z0-9+.\-]*://[^\s:/@]+:[^\s@/]+@`,
			Keywords:    []string{"://"},
		},
		{
			ID:          "query-secret",
			Description: "Secret passed as a URL query parameter",
			Pattern:     `(?i)[?&](?:access_token|token|api_key|apikey|key|sig|signature|secret|password|passwd)=[^&\s"']{6,}`,
			Keywords:    []string{"="},
		},
		{
			ID:          "generic-secret-assignment",
			Description: "Password, secret or API key assigned inline",
			Pattern:     `(?i)\b(?:password|passwd|secret|api[_\-]?key|access[_\-]?token|client[_\-]?secret)\s*[:=]\s*["']?[^\s"',;]{8,}`,
			Keywords:    []string{"pass", "secret", "key", "token"},
		},
	}
}
