package plugins

import "regexp"

// Rule categories
const (
	CategoryDangerousFunctions = "dangerous_functions"
	CategoryScriptInjection    = "script_injection"
	CategoryDataAccess         = "data_access"
	CategoryNetworkAccess      = "network_access"
	CategoryDOMManipulation    = "dom_manipulation"
	CategorySandboxEscape      = "sandbox_escape"
	CategoryCredentials        = "credentials"
	CategoryExternalResources  = "external_resources"
	CategoryResourceLimits     = "resource_limits"
)

// OriginPolicy controls how a rule treats URLs on the matched line
type OriginPolicy int

const (
	// OriginIgnore keeps the rule severity regardless of URLs
	OriginIgnore OriginPolicy = iota
	// OriginEscalate raises the finding to High when the line references a URL outside allowed_origins
	OriginEscalate
	// OriginFilter drops the finding when every URL in the match is an allowed origin
	OriginFilter
)

// Rule is a single static pattern
type Rule struct {
	Category    string
	Description string
	Pattern     *regexp.Regexp
	// Exclude drops a match whose text also matches this pattern
	Exclude  *regexp.Regexp
	Severity Severity
	Type     ViolationType
	Origins  OriginPolicy
	// Extensions restricts the rule to these file extensions; empty means all scanned files
	Extensions []string
}

var scriptExtensions = []string{".js", ".mjs", ".cjs", ".ts", ".jsx", ".tsx"}

func rule(category, description, pattern string, severity Severity) Rule {
	return Rule{
		Category:    category,
		Description: description,
		Pattern:     regexp.MustCompile(pattern),
		Severity:    severity,
		Type:        ViolationMaliciousCode,
	}
}

// DefaultRules returns the built-in rule set in evaluation order
func DefaultRules() []Rule {
	rules := []Rule{
		// Dynamic code execution and navigation hijacking
		rule(CategoryDangerousFunctions, "eval() executes arbitrary code", `\beval\s*\(`, SeverityHigh),
		rule(CategoryDangerousFunctions, "Function constructor executes arbitrary code", `\bFunction\s*\(`, SeverityHigh),
		rule(CategoryDangerousFunctions, "setTimeout with a string argument executes code", "\\bsetTimeout\\s*\\(\\s*['\"`]", SeverityHigh),
		rule(CategoryDangerousFunctions, "setInterval with a string argument executes code", "\\bsetInterval\\s*\\(\\s*['\"`]", SeverityHigh),
		rule(CategoryDangerousFunctions, "document.write() injects markup", `\bdocument\.write(?:ln)?\s*\(`, SeverityHigh),
		rule(CategoryDangerousFunctions, "Dynamic script element creation", `\bcreateElement\s*\(\s*['"]script['"]`, SeverityHigh),
		rule(CategoryDangerousFunctions, "Navigation hijacking via window.location", `\b(?:window|document)\.location(?:\.href)?\s*=(?:[^=]|$)`, SeverityHigh),
		rule(CategoryDangerousFunctions, "Navigation hijacking via top.location", `\btop\.location(?:\.href)?\s*=(?:[^=]|$)`, SeverityHigh),
		rule(CategoryDangerousFunctions, "Navigation hijacking via parent.location", `\bparent\.location(?:\.href)?\s*=(?:[^=]|$)`, SeverityHigh),

		// Script injection
		rule(CategoryScriptInjection, "Inline event handler attribute", `(?i)<[a-z][^>]*\son[a-z]+\s*=`, SeverityCritical),
		rule(CategoryScriptInjection, "javascript: URI", `(?i)\bjavascript\s*:`, SeverityCritical),

		// Sensitive browser data
		rule(CategoryDataAccess, "localStorage access", `\blocalStorage\.`, SeverityMedium),
		rule(CategoryDataAccess, "sessionStorage access", `\bsessionStorage\.`, SeverityMedium),
		rule(CategoryDataAccess, "Cookie access", `\bdocument\.cookie\b`, SeverityMedium),
		rule(CategoryDataAccess, "User agent fingerprinting", `\bnavigator\.userAgent\b`, SeverityMedium),
		rule(CategoryDataAccess, "Screen fingerprinting", `\bscreen\.`, SeverityMedium),
		rule(CategoryDataAccess, "Crypto API access", `\bcrypto\.`, SeverityMedium),

		// Network primitives
		rule(CategoryNetworkAccess, "fetch() network request", `\bfetch\s*\(`, SeverityMedium),
		rule(CategoryNetworkAccess, "XMLHttpRequest network request", `\bXMLHttpRequest\s*\(`, SeverityMedium),
		rule(CategoryNetworkAccess, "WebSocket connection", `\bWebSocket\s*\(`, SeverityMedium),
		rule(CategoryNetworkAccess, "EventSource connection", `\bEventSource\s*\(`, SeverityMedium),
		rule(CategoryNetworkAccess, "Dynamic import()", `\bimport\s*\(`, SeverityMedium),

		// DOM sinks
		rule(CategoryDOMManipulation, "innerHTML assignment", `\binnerHTML\s*\+?=(?:[^=]|$)`, SeverityMedium),
		rule(CategoryDOMManipulation, "outerHTML assignment", `\bouterHTML\s*\+?=(?:[^=]|$)`, SeverityMedium),
		rule(CategoryDOMManipulation, "Dynamic iframe creation", `\bcreateElement\s*\(\s*['"]iframe['"]`, SeverityMedium),
		rule(CategoryDOMManipulation, "Dynamic stylesheet link creation", `\bcreateElement\s*\(\s*['"]link['"]`, SeverityMedium),
	}

	scriptTag := rule(CategoryScriptInjection, "Script tag injected from code", `(?i)<script\b[^>]*>`, SeverityCritical)
	scriptTag.Extensions = scriptExtensions
	rules = append(rules, scriptTag)

	escapes := []Rule{
		rule(CategorySandboxEscape, "Access to window.top", `\bwindow\.top\b`, SeverityHigh),
		rule(CategorySandboxEscape, "Access to window.parent", `\bwindow\.parent\b(?:\.\w+)?`, SeverityHigh),
		rule(CategorySandboxEscape, "Access to frameElement", `\bframeElement\b`, SeverityHigh),
		rule(CategorySandboxEscape, "Access to self.parent", `\bself\.parent\b`, SeverityHigh),
		rule(CategorySandboxEscape, "Access to the parent document", `\b(?:parent|top)\.document\b`, SeverityHigh),
	}
	escapes[1].Exclude = regexp.MustCompile(`\.postMessage$`)
	for i := range escapes {
		escapes[i].Type = ViolationSandboxEscape
	}
	rules = append(rules, escapes...)

	secrets := []Rule{
		rule(CategoryCredentials, "Hardcoded API key", `(?i)\b(?:api[_-]?key|apikey)\s*[:=]\s*["']([a-zA-Z0-9_\-]{16,})["']`, SeverityHigh),
		rule(CategoryCredentials, "Hardcoded password", `(?i)\b(?:password|passwd|pwd)\s*[:=]\s*["']([^"']{8,})["']`, SeverityHigh),
		rule(CategoryCredentials, "Hardcoded secret", `(?i)\b(?:secret|client[_-]?secret)\s*[:=]\s*["']([^"']{8,})["']`, SeverityHigh),
		rule(CategoryCredentials, "Hardcoded token", `(?i)\b(?:token|auth[_-]?token|access[_-]?token)\s*[:=]\s*["']([a-zA-Z0-9_\-.]{20,})["']`, SeverityHigh),
		rule(CategoryCredentials, "AWS access key", `\bAKIA[0-9A-Z]{16}\b`, SeverityHigh),
		rule(CategoryCredentials, "Private key", `-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`, SeverityHigh),
	}
	for i := range secrets {
		secrets[i].Type = ViolationDataExfiltration
	}
	rules = append(rules, secrets...)

	external := []Rule{
		rule(CategoryExternalResources, "External resource outside allowed origins", `(?i)\b(?:src|href)\s*=\s*["']?(?:https?:)?//[^"'\s>]+`, SeverityMedium),
		rule(CategoryExternalResources, "External stylesheet resource outside allowed origins", `(?i)\burl\(\s*["']?(?:https?:)?//[^"')\s]+`, SeverityMedium),
	}
	for i := range external {
		external[i].Type = ViolationUnsafeNetworkRequest
		external[i].Origins = OriginFilter
	}
	rules = append(rules, external...)

	for i := range rules {
		if rules[i].Category == CategoryDataAccess || rules[i].Category == CategoryNetworkAccess {
			rules[i].Origins = OriginEscalate
		}
	}
	return rules
}
