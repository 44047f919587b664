package api

import "regexp"

// Secret-bearing shapes that must never reach a log line: our own token
// prefixes, Anthropic and Slack keys, and anything following a Bearer
// scheme.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`dvc_[A-Za-z0-9_-]+`),
	regexp.MustCompile(`thr_[A-Za-z0-9_-]+`),
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]+`),
	regexp.MustCompile(`xox[a-z]-[A-Za-z0-9-]+`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`),
}

// redactSecrets masks credential-shaped substrings before a value is logged.
func redactSecrets(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "[redacted]")
	}
	return s
}
